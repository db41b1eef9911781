package campaign

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry is an atomically swappable view of the loaded campaigns. The
// loader swaps in whole maps; readers always observe a self-consistent
// snapshot and must treat it as read-only.
type Registry struct {
	v atomic.Value // map[string]*Campaign
}

// NewRegistry creates a registry holding the given initial map.
func NewRegistry(campaigns map[string]*Campaign) *Registry {
	r := &Registry{}
	if campaigns == nil {
		campaigns = map[string]*Campaign{}
	}
	r.v.Store(campaigns)
	return r
}

// Get returns the campaign with the given ID, if loaded.
func (r *Registry) Get(id string) (*Campaign, bool) {
	c, ok := r.All()[id]
	return c, ok
}

// All returns the current snapshot. Callers must not mutate it.
func (r *Registry) All() map[string]*Campaign {
	return r.v.Load().(map[string]*Campaign)
}

// Len returns the number of loaded campaigns.
func (r *Registry) Len() int {
	return len(r.All())
}

// Swap atomically replaces the snapshot.
func (r *Registry) Swap(campaigns map[string]*Campaign) {
	if campaigns == nil {
		campaigns = map[string]*Campaign{}
	}
	r.v.Store(campaigns)
}

// reloadInterval is how often the campaigns directory is re-read even when
// no filesystem event fires. Config-map updates swap symlinks in place,
// which some kernels do not surface as watchable events.
const reloadInterval = 5 * time.Minute

// Watch re-loads the directory on an interval and on filesystem change
// events, swapping the registry on each successful load. It blocks until
// the context is cancelled. Load errors keep the previous snapshot.
func (r *Registry) Watch(ctx context.Context, dir string) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("campaign.watch_unavailable", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			slog.Warn("campaign.watch_add_failed", "dir", dir, "error", err)
		} else {
			events = watcher.Events
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload(dir)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Config-map swaps produce a burst of events; a short settle
			// avoids re-reading a half-written directory.
			time.Sleep(time.Second)
			r.reload(dir)
		}
	}
}

func (r *Registry) reload(dir string) {
	updated, err := LoadDir(dir)
	if err != nil {
		slog.Warn("campaign.reload_failed", "dir", dir, "error", err)
		return
	}
	if prev := r.Len(); prev != len(updated) {
		slog.Info("campaign.reload", "previous", prev, "loaded", len(updated))
	}
	r.Swap(updated)
}
