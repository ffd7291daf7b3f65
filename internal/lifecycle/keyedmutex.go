package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes advancement work per auction inside one process.
// The database CAS updates remain the authoritative arbiter across
// processes; this only keeps the scheduler and the ticker from doing the
// same close twice locally.
type keyedMutex struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[uuid.UUID]struct{})}
}

// tryLock acquires the key without blocking. Returns false when another
// goroutine already holds it.
func (k *keyedMutex) tryLock(id uuid.UUID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[id]; ok {
		return false
	}
	k.held[id] = struct{}{}
	return true
}

func (k *keyedMutex) unlock(id uuid.UUID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, id)
}
