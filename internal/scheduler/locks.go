package scheduler

import (
	"context"
	"sync"
)

// RoleLockManager provides per-role mutual exclusion for command execution.
// Groups never hold two commands for one role, but a background command may
// still be running when a later group targets the same role.
type RoleLockManager struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-role binary semaphores
}

// NewRoleLockManager creates a new RoleLockManager.
func NewRoleLockManager() *RoleLockManager {
	return &RoleLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *RoleLockManager) slot(role string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.locks[role]
	if !exists {
		ch = make(chan struct{}, 1)
		r.locks[role] = ch
	}
	return ch
}

// Lock acquires the lock for role, waiting until it is free or ctx is done.
func (r *RoleLockManager) Lock(ctx context.Context, role string) error {
	ch := r.slot(role)

	// Acquire outside the manager lock to avoid contention
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock for role. Unlocking a free role is a no-op.
func (r *RoleLockManager) Unlock(role string) {
	ch := r.slot(role)
	select {
	case <-ch:
	default:
	}
}

// Held reports whether role is currently locked.
func (r *RoleLockManager) Held(role string) bool {
	return len(r.slot(role)) == 1
}
