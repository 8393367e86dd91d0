// Package allocconfig adds a file-backed, hot-reloadable configuration
// layer on top of alloc.Config. The engine itself takes its tunables
// through functional options at construction time (see alloc.Option); this
// package reads those tunables from a JSON document on disk and can watch
// that document for changes. A reloaded document is exposed to the caller;
// it is not applied to an engine that has already been constructed.
package allocconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	semver "github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"

	"github.com/segheap/segheap/alloc"
)

// schemaConstraint is the range of on-disk schema versions this build
// understands, checked through semver.Constraints rather than a bare
// string comparison so a config file from a newer or older build is
// rejected outright instead of silently misparsed. Bumping it is a
// deliberate, reviewed compatibility decision.
const schemaConstraint = ">=1.0.0, <2.0.0"

// Document is the on-disk shape of an allocator configuration file.
type Document struct {
	SchemaVersion   string  `json:"schema_version"`
	HeapTotalSize   uintptr `json:"heap_total_size"`
	MmapThreshold   uintptr `json:"mmap_threshold"`
	GrowthIncrement uintptr `json:"growth_increment"`
}

// Load reads and validates a Document from path, checking SchemaVersion
// against schemaConstraint before returning.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("allocconfig: reading %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("allocconfig: parsing %s: %w", path, err)
	}

	if err := validateSchema(doc.SchemaVersion); err != nil {
		return nil, fmt.Errorf("allocconfig: %s: %w", path, err)
	}

	return &doc, nil
}

func validateSchema(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema_version")
	}

	constraint, err := semver.NewConstraint(schemaConstraint)
	if err != nil {
		return fmt.Errorf("internal schema constraint %q is invalid: %w", schemaConstraint, err)
	}

	sv, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("schema_version %q is not a valid semantic version: %w", version, err)
	}

	if !constraint.Check(sv) {
		return fmt.Errorf("schema_version %s does not satisfy %s", version, schemaConstraint)
	}

	return nil
}

// Options converts a validated Document into alloc.Option values ready to
// pass to alloc.New/alloc.NewSafe.
func (d *Document) Options() []alloc.Option {
	var opts []alloc.Option

	if d.HeapTotalSize != 0 {
		opts = append(opts, alloc.WithHeapTotalSize(d.HeapTotalSize))
	}

	if d.MmapThreshold != 0 {
		opts = append(opts, alloc.WithMmapThreshold(d.MmapThreshold))
	}

	if d.GrowthIncrement != 0 {
		opts = append(opts, alloc.WithGrowthIncrement(d.GrowthIncrement))
	}

	return opts
}

// Watcher hot-reloads a Document on disk: on every write or create event
// the file is loaded and validated again, and the most recent valid
// Document is returned by Current. Watcher holds no reference to an engine
// and applies nothing to one; a reload changes only what Current returns.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu  sync.RWMutex
	cur *Document

	errC chan error
}

// NewWatcher loads path once, then begins watching it for writes.
func NewWatcher(path string) (*Watcher, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("allocconfig: starting watcher: %w", err)
	}

	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("allocconfig: watching %s: %w", path, err)
	}

	w := &Watcher{
		path: path,
		fsw:  fsw,
		cur:  doc,
		errC: make(chan error, 1),
	}

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			doc, err := Load(w.path)
			if err != nil {
				select {
				case w.errC <- err:
				default:
				}

				continue
			}

			w.mu.Lock()
			w.cur = doc
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			select {
			case w.errC <- err:
			default:
			}
		}
	}
}

// Current returns the most recently loaded Document.
func (w *Watcher) Current() Document {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return *w.cur
}

// Errors surfaces reload failures (parse errors, schema mismatches, watch
// errors) without interrupting the watch loop.
func (w *Watcher) Errors() <-chan error { return w.errC }

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
