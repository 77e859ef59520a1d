package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLocksSerializesSameProject(t *testing.T) {
	t.Parallel()

	locks := NewProjectLocks()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(1)
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.Held())
}

func TestProjectLocksIndependentProjects(t *testing.T) {
	t.Parallel()

	locks := NewProjectLocks()
	unlock1 := locks.Lock(1)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2 := locks.Lock(2)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("project 2 blocked behind project 1")
	}
}

func TestProjectLocksUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	locks := NewProjectLocks()
	unlock := locks.Lock(7)
	unlock()
	unlock()
	require.Equal(t, 0, locks.Held())

	relock := locks.Lock(7)
	relock()
}
