package notification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/storage/storagetest"
)

func TestStore_CreateAndList(t *testing.T) {
	db := storagetest.DB(t)
	ctx := context.Background()
	user := storagetest.User(t, db, "anna", "user")
	other := storagetest.User(t, db, "ben", "user")

	s := NewStore(db)

	first, err := s.Create(ctx, user, "first")
	require.NoError(t, err)
	assert.False(t, first.Read)

	second, err := s.Create(ctx, user, "second")
	require.NoError(t, err)

	_, err = s.Create(ctx, other, "not yours")
	require.NoError(t, err)

	list, err := s.ListForRecipient(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestStore_MarkRead(t *testing.T) {
	db := storagetest.DB(t)
	ctx := context.Background()
	owner := storagetest.User(t, db, "anna", "user")
	stranger := storagetest.User(t, db, "ben", "user")

	s := NewStore(db)
	n, err := s.Create(ctx, owner, "hello")
	require.NoError(t, err)

	_, err = s.MarkRead(ctx, n.ID, stranger)
	assert.True(t, errdef.IsNotFound(err))

	_, err = s.MarkRead(ctx, n.ID+1000, owner)
	assert.True(t, errdef.IsNotFound(err))

	read, err := s.MarkRead(ctx, n.ID, owner)
	require.NoError(t, err)
	assert.True(t, read.Read)

	list, err := s.ListForRecipient(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)
}
