package core

import "sync"

// PauseRegistry is the in-process view of the global kill-switch. It is
// consulted by the engines before every state-mutating entry point.
type PauseRegistry struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseRegistry builds a registry with the given modules paused.
func NewPauseRegistry(paused []string) *PauseRegistry {
	r := &PauseRegistry{paused: make(map[string]bool)}
	for _, module := range paused {
		r.paused[module] = true
	}
	return r
}

// IsPaused implements the common.PauseView interface.
func (r *PauseRegistry) IsPaused(module string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[module]
}

// SetPaused toggles the pause flag for a module.
func (r *PauseRegistry) SetPaused(module string, paused bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[module] = paused
}
