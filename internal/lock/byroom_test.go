package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestByRoom_SerializesSameRoom(t *testing.T) {
	b := NewByRoom()
	var counter int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Lock("!room:example.org")
			defer b.Unlock("!room:example.org")

			n := atomic.AddInt32(&counter, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxObserved, "two holders of the same room's lock must never overlap")
}

func TestByRoom_DifferentRoomsDoNotBlockEachOther(t *testing.T) {
	b := NewByRoom()
	b.Lock("!roomA:example.org")

	done := make(chan struct{})
	go func() {
		b.Lock("!roomB:example.org")
		b.Unlock("!roomB:example.org")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a different room blocked on an unrelated room's lock")
	}
	b.Unlock("!roomA:example.org")
}
