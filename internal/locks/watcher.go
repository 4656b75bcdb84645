package locks

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a lock record change observed on disk.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change describes a lock record appearing, changing, or disappearing
// in the lock directory. Records written by this process are reported
// too; consumers interested only in foreign writers should correlate
// against the manager's own snapshot.
type Change struct {
	Record string
	Kind   ChangeKind
}

// Watch observes the lock directory and invokes fn for every record
// change until ctx is canceled. Intended for operational monitoring of
// lock churn, including records written by other coordinator processes
// sharing the directory.
func (m *Manager) Watch(ctx context.Context, fn func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watching lock dir: %w", err)
	}

	m.logger.Debugf("watching lock dir %s", m.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			var kind ChangeKind
			switch {
			case event.Op.Has(fsnotify.Create):
				kind = ChangeCreated
			case event.Op.Has(fsnotify.Write):
				kind = ChangeUpdated
			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				kind = ChangeRemoved
			default:
				continue
			}
			fn(Change{Record: event.Name, Kind: kind})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warnf("lock watcher error: %v", err)
		}
	}
}
