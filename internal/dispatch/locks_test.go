package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomLocks_Serialize(t *testing.T) {
	l := newRoomLocks()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("event:1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.size())
}

func TestRoomLocks_IndependentRooms(t *testing.T) {
	l := newRoomLocks()

	unlockA := l.lock("event:1")
	unlockB := l.lock("event:2")
	assert.Equal(t, 2, l.size())

	unlockA()
	unlockB()
	assert.Equal(t, 0, l.size())
}
