// Package watch observes the vault folders and turns filesystem activity
// into lifecycle events. fsnotify provides low-latency notification; a poll
// ticker backstops it so files that arrive while the watcher is down, or on
// filesystems without inotify, are still picked up. Handlers downstream are
// idempotent by task state, so duplicate events from the two sources are
// harmless.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultd/internal/domain"
	"vaultd/internal/vault"
)

// DetectionEvent reports a file sitting in the inbox.
type DetectionEvent struct {
	Name string // base name inside Inbox/
}

// DecisionEvent reports an approval request file found in a decision folder.
type DecisionEvent struct {
	Identity string
	Decision domain.Decision
	Path     string // full path of the request artifact, consumed after apply
}

type Watcher struct {
	Layout       vault.Layout
	PollInterval time.Duration
	Log          *slog.Logger

	Detections chan DetectionEvent
	Decisions  chan DecisionEvent
}

func New(layout vault.Layout, pollInterval time.Duration) *Watcher {
	return &Watcher{
		Layout:       layout,
		PollInterval: pollInterval,
		Log:          slog.Default(),
		Detections:   make(chan DetectionEvent, 64),
		Decisions:    make(chan DecisionEvent, 16),
	}
}

// Run watches Inbox/, Approved/ and Rejected/ until ctx is cancelled. It
// scans all three folders once at startup so work left over from a previous
// run is not lost.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	for _, dir := range []string{w.Layout.Inbox(), w.Layout.Approved(), w.Layout.Rejected()} {
		if err := fw.Add(dir); err != nil {
			return err
		}
	}

	w.scan()
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("watcher error", "error", err)
		}
	}
}

// scan walks the watched folders and dispatches everything found.
func (w *Watcher) scan() {
	for _, dir := range []string{w.Layout.Inbox(), w.Layout.Approved(), w.Layout.Rejected()} {
		names, err := vault.ListFiles(dir)
		if err != nil {
			w.Log.Warn("scan failed", "dir", dir, "error", err)
			continue
		}
		for _, name := range names {
			w.dispatch(filepath.Join(dir, name))
		}
	}
}

func (w *Watcher) dispatch(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	switch filepath.Dir(path) {
	case w.Layout.Inbox():
		w.Detections <- DetectionEvent{Name: name}
	case w.Layout.Approved():
		w.dispatchDecision(path, domain.DecisionApproved)
	case w.Layout.Rejected():
		w.dispatchDecision(path, domain.DecisionRejected)
	}
}

func (w *Watcher) dispatchDecision(path string, decision domain.Decision) {
	f, err := vault.ParseApprovalFile(path)
	if err != nil {
		// Not a request artifact, or one still being written; the next
		// poll retries it.
		w.Log.Warn("unreadable decision file", "path", path, "error", err)
		return
	}
	w.Decisions <- DecisionEvent{Identity: f.Identity, Decision: decision, Path: path}
}
