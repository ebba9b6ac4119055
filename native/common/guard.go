package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the global kill-switch state consulted before every
// state-mutating entry point.
type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
