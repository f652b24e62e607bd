package overlay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLockMutualExclusion(t *testing.T) {
	kl := newKeyLock()

	const workers = 16
	const rounds = 100

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				unlock := kl.lock("shared")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := newKeyLock()

	unlockA := kl.lock("a")

	// A different key must not block behind "a".
	done := make(chan struct{})
	go func() {
		unlockB := kl.lock("b")
		unlockB()
		close(done)
	}()
	<-done

	unlockA()
}

func TestKeyLockReleasesEntries(t *testing.T) {
	kl := newKeyLock()

	for i := 0; i < 10; i++ {
		unlock := kl.lock("ephemeral")
		unlock()
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	require.Empty(t, kl.locks)
}
