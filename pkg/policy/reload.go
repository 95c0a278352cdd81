package policy

import (
	"os"
	"time"

	"github.com/dotsetlabs/overwatch/pkg/config"
)

// ReloadEvent is emitted on every successful or failed reload (spec §4.4
// "Hot reload").
type ReloadEvent struct {
	Err    error
	Issues []Issue
}

// Watch polls path for mtime changes with a debounce window and reloads the
// engine on change, calling onEvent for every reload attempt (success or
// failure). It returns a stop function; callers must call it to release the
// ticker, which otherwise would hold the process open (spec §4.4 "Watchers
// must not hold references that would prevent process exit").
//
// The teacher's stack names no file-watching library (no fsnotify in its
// go.mod), so this polls via os.Stat rather than reaching for an
// inotify/kqueue binding outside the pack; see DESIGN.md.
func (e *Engine) Watch(path string, loadDoc func(string) (*config.Document, error), strict bool, onEvent func(ReloadEvent)) (stop func()) {
	if e.debounce <= 0 {
		e.debounce = 500 * time.Millisecond
	}

	done := make(chan struct{})
	ticker := time.NewTicker(e.debounce)

	var lastMod time.Time
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !info.ModTime().After(lastMod) {
					continue
				}
				lastMod = info.ModTime()

				doc, err := loadDoc(path)
				if err != nil {
					if onEvent != nil {
						onEvent(ReloadEvent{Err: err})
					}
					continue
				}
				issues, err := e.Load(doc, strict)
				if onEvent != nil {
					onEvent(ReloadEvent{Err: err, Issues: issues})
				}
			}
		}
	}()

	return func() { close(done) }
}

// ReloadNow runs a synchronous admin reload, bypassing the debounce window
// (spec §4.4 "Reload is also available as a synchronous admin operation").
func (e *Engine) ReloadNow(doc *config.Document, strict bool) ([]Issue, error) {
	return e.Load(doc, strict)
}
