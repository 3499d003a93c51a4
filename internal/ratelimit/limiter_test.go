package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testRule = Rule{Key: "rl:test:", Limit: 2, Window: 10 * time.Second}

func TestAllow_FirstHitOpensWindow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewLimiter(client, zap.NewNop())

	mock.ExpectIncr("rl:test:s1").SetVal(1)
	mock.ExpectExpire("rl:test:s1", 10*time.Second).SetVal(true)

	ok, err := l.Allow(context.Background(), "s1", testRule)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_OverLimit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewLimiter(client, zap.NewNop())

	mock.ExpectIncr("rl:test:s1").SetVal(2)
	mock.ExpectIncr("rl:test:s1").SetVal(3)

	ok, err := l.Allow(context.Background(), "s1", testRule)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(context.Background(), "s1", testRule)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_FailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewLimiter(client, zap.NewNop())

	mock.ExpectIncr("rl:test:s1").SetErr(errors.New("redis down"))

	ok, err := l.Allow(context.Background(), "s1", testRule)
	assert.Error(t, err)
	assert.True(t, ok)
}
