package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InvocationState tracks one invocation running on behalf of an HTTP request.
type InvocationState struct {
	Key       uint64
	Cancel    context.CancelCauseFunc
	StartedAt time.Time
}

// InvocationRegistry tracks in-flight invocations so shutdown can cancel them.
type InvocationRegistry struct {
	mu      sync.RWMutex
	next    uint64
	running map[uint64]*InvocationState
}

func NewInvocationRegistry() *InvocationRegistry {
	return &InvocationRegistry{running: make(map[uint64]*InvocationState)}
}

// Register records a running invocation and returns its key.
func (r *InvocationRegistry) Register(cancel context.CancelCauseFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.running[r.next] = &InvocationState{Key: r.next, Cancel: cancel, StartedAt: time.Now().UTC()}
	return r.next
}

func (r *InvocationRegistry) Unregister(key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, key)
}

// Len returns the number of in-flight invocations.
func (r *InvocationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}

// CancelAll cancels all in-flight invocations with the given reason.
func (r *InvocationRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.running {
		if st.Cancel != nil {
			st.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
