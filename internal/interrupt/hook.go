package interrupt

import "sync"

// Process-wide pause hook. External widgets (the buzzer button) call
// TriggerPause to force-stop audio without holding a console handle.
// Exactly one installation is active at a time; installing a new hook
// replaces the previous one explicitly.

type hookSlot struct {
	fn func()
}

var (
	hookMu    sync.Mutex
	pauseHook *hookSlot
)

// InstallPauseHook installs fn as the active pause hook, replacing any
// previous installation. The returned remove function clears the slot only
// if this installation is still the active one, so a stale remove cannot
// evict a newer hook.
func InstallPauseHook(fn func()) (remove func()) {
	slot := &hookSlot{fn: fn}

	hookMu.Lock()
	pauseHook = slot
	hookMu.Unlock()

	return func() {
		hookMu.Lock()
		if pauseHook == slot {
			pauseHook = nil
		}
		hookMu.Unlock()
	}
}

// TriggerPause invokes the active pause hook, if any. No-op otherwise.
func TriggerPause() {
	hookMu.Lock()
	var fn func()
	if pauseHook != nil {
		fn = pauseHook.fn
	}
	hookMu.Unlock()
	if fn != nil {
		fn()
	}
}
