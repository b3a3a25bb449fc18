// Package filewatcher ingests notifications dropped as JSON files into
// a watched directory. Files with at least one committed item move to
// processed/, files where nothing committed move to errors/; either way
// an explanatory .error sidecar records any per-item failures, so the
// inbox itself only ever holds work in flight.
package filewatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/store"
)

const (
	processedDir = "processed"
	errorsDir    = "errors"
)

// BatchSink persists a batch of accepted notifications.
type BatchSink interface {
	SaveBatch(ctx context.Context, notifications []*notification.Notification) (*store.BatchResult, error)
}

// Config holds watcher settings.
type Config struct {
	Dir string
	// SettleDelay defers processing after the last write event so
	// partially written files are not picked up.
	SettleDelay time.Duration
}

// Watcher tails a directory tree for .json drops.
type Watcher struct {
	config    Config
	processor *processor.Processor
	sink      BatchSink
	metrics   *monitoring.Metrics
	logger    logger.Logger

	// OnStored is invoked for each committed notification, wired to
	// the broadcast fan-out by the coordinator.
	OnStored func(*notification.Notification)

	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates the file transport.
func NewWatcher(config Config, proc *processor.Processor, sink BatchSink, metrics *monitoring.Metrics, log logger.Logger) (*Watcher, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("watch dir not configured")
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = 200 * time.Millisecond
	}
	return &Watcher{
		config:    config,
		processor: proc,
		sink:      sink,
		metrics:   metrics,
		logger:    log,
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Start creates the working directories, scans files already present
// and begins watching for new drops.
func (w *Watcher) Start(ctx context.Context) error {
	for _, sub := range []string{"", processedDir, errorsDir} {
		if err := os.MkdirAll(filepath.Join(w.config.Dir, sub), 0o750); err != nil {
			return fmt.Errorf("creating watch dir: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.watchTree(w.config.Dir); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.eventLoop(ctx)

	// Files present before startup are ingested too; a restart never
	// strands work in the inbox.
	w.scanExisting(ctx)
	return nil
}

// Stop halts the watcher and waits for in-flight files.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.isWorkDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// isWorkDir reports whether path is inside processed/ or errors/.
func (w *Watcher) isWorkDir(path string) bool {
	rel, err := filepath.Rel(w.config.Dir, path)
	if err != nil || rel == "." {
		return false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return first == processedDir || first == errorsDir
}

func (w *Watcher) scanExisting(ctx context.Context) {
	_ = filepath.WalkDir(w.config.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.isWorkDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			w.schedule(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err.Error())
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if w.isWorkDir(event.Name) || w.isWorkDir(filepath.Dir(event.Name)) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			_ = w.watchTree(event.Name)
		}
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
		return
	}
	w.schedule(ctx, event.Name)
}

// schedule defers processing until writes settle, resetting the timer
// on every new event for the same path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.config.SettleDelay)
		return
	}

	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.config.SettleDelay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.processFile(ctx, path)
	})
}

// fileOutcome collects everything that went wrong with one file.
type fileOutcome struct {
	Items  int      `json:"items"`
	Saved  int      `json:"saved"`
	Errors []string `json:"errors,omitempty"`
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("reading dropped file", "path", path, "error", err.Error())
		return
	}

	payloads, parseErr := parsePayloads(data)
	if parseErr != nil {
		w.metrics.RecordRejected("filewatcher", "INVALID_JSON")
		w.moveToErrors(path, fileOutcome{Errors: []string{parseErr.Error()}})
		return
	}

	outcome := fileOutcome{Items: len(payloads)}
	var accepted []*notification.Notification
	for i, payload := range payloads {
		result := w.processor.TestTransformation(ctx, payload, "filewatcher")
		if !result.Success {
			w.metrics.RecordRejected("filewatcher", string(result.Error.Code))
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("item %d: %s", i, result.Error.Message))
			continue
		}
		accepted = append(accepted, result.Notification)
	}

	if len(accepted) > 0 {
		batch, batchErr := w.sink.SaveBatch(ctx, accepted)
		if batchErr != nil {
			w.metrics.RecordRejected("filewatcher", "STORAGE_FAILED")
			outcome.Errors = append(outcome.Errors, batchErr.Error())
		}
		if batch != nil {
			outcome.Saved = batch.Saved
			failed := make(map[int]bool, len(batch.Errors))
			for _, itemErr := range batch.Errors {
				failed[itemErr.Index] = true
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("storing %s: %s", itemErr.ID, itemErr.Error))
			}
			for i, n := range accepted {
				if failed[i] {
					w.metrics.RecordRejected("filewatcher", "STORAGE_FAILED")
					continue
				}
				w.metrics.RecordIngested("filewatcher")
				if w.OnStored != nil {
					w.OnStored(n)
				}
			}
		}
	}

	// A file with at least one committed item counts as processed; the
	// per-item failures travel in a sidecar next to it. Only files where
	// nothing committed land in errors/.
	if outcome.Saved == 0 && len(outcome.Errors) > 0 {
		w.moveToErrors(path, outcome)
		return
	}
	dest := w.moveTo(path, processedDir)
	if dest != "" && len(outcome.Errors) > 0 {
		w.writeSidecar(dest, outcome)
	}
}

// parsePayloads accepts a single JSON object, an array of objects, or
// newline-delimited objects.
func parsePayloads(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	switch trimmed[0] {
	case '{':
		var single map[string]any
		if err := json.Unmarshal(trimmed, &single); err == nil {
			return []map[string]any{single}, nil
		}
		// Fall through to NDJSON: a leading object that fails to parse
		// whole may be the first of several lines.
	case '[':
		var many []map[string]any
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, fmt.Errorf("parsing JSON array: %w", err)
		}
		return many, nil
	default:
		return nil, fmt.Errorf("unrecognized JSON document")
	}

	var payloads []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		payloads = append(payloads, payload)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payloads found")
	}
	return payloads, nil
}

// moveToErrors relocates the file next to a .error sidecar describing
// what failed. The original content travels with the moved file.
func (w *Watcher) moveToErrors(path string, outcome fileOutcome) {
	dest := w.moveTo(path, errorsDir)
	if dest == "" {
		return
	}
	w.writeSidecar(dest, outcome)
}

// writeSidecar records the outcome as JSON next to the moved file.
func (w *Watcher) writeSidecar(dest string, outcome fileOutcome) {
	detail, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		detail = []byte(fmt.Sprintf("%+v", outcome))
	}
	sidecar := dest + ".error"
	if err := os.WriteFile(sidecar, append(detail, '\n'), 0o640); err != nil {
		w.logger.Error("writing error sidecar", "path", sidecar, "error", err.Error())
	}
}

// moveTo relocates a file into processed/ or errors/, deduplicating the
// name with a timestamp when needed. Returns the destination path.
func (w *Watcher) moveTo(path, sub string) string {
	dest := filepath.Join(w.config.Dir, sub, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		base := filepath.Base(path)
		dest = filepath.Join(w.config.Dir, sub,
			fmt.Sprintf("%d-%s", time.Now().UnixNano(), base))
	}
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("moving file", "from", path, "to", dest, "error", err.Error())
		return ""
	}
	return dest
}
