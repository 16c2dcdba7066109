package common

import "errors"

var ErrModulePaused = errors.New("module paused")

const (
	ModuleBank   = "bank"
	ModuleRouter = "router"
)

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

// PauseSet is a PauseView backed by a module set. The zero value has nothing
// paused.
type PauseSet map[string]bool

func (s PauseSet) IsPaused(module string) bool {
	return s[module]
}
