// Package ingest provides the non-MLLP message sources: the directory
// watcher and the inbound FHIR HTTP endpoint.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/caduceus-io/caduceus/iox"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/stage"
	"github.com/caduceus-io/caduceus/types"
)

// WatcherConfig configures a directory ingest source.
type WatcherConfig struct {
	// Name identifies the stage (default "file-watcher").
	Name string
	// InputDir is the directory polled for new files (required).
	InputDir string
	// Pattern is the filename glob (default "*.hl7").
	Pattern string
	// ProcessedDir receives files after a successful publish
	// (default <InputDir>/processed).
	ProcessedDir string
	// ErrorDir receives files whose publish failed
	// (default <InputDir>/error).
	ErrorDir string
	// OutputQueue receives the envelopes (required).
	OutputQueue string
	// PollInterval is the scan period (default 1s). Filesystem
	// notifications wake the scanner early; the poll is the fallback
	// for filesystems without event support.
	PollInterval time.Duration
	// RegistryWindow bounds how long a handled filename is remembered,
	// suppressing reprocessing on event races (default 1h).
	RegistryWindow time.Duration
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Name == "" {
		c.Name = "file-watcher"
	}
	if c.Pattern == "" {
		c.Pattern = "*.hl7"
	}
	if c.ProcessedDir == "" {
		c.ProcessedDir = filepath.Join(c.InputDir, "processed")
	}
	if c.ErrorDir == "" {
		c.ErrorDir = filepath.Join(c.InputDir, "error")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RegistryWindow <= 0 {
		c.RegistryWindow = time.Hour
	}
	return c
}

// contentTypeByExt maps ingest file extensions onto envelope content
// types. Unknown extensions default to HL7 v2.
var contentTypeByExt = map[string]string{
	".hl7":  types.ContentTypeHL7v2,
	".txt":  types.ContentTypeHL7v2,
	".json": types.ContentTypeFHIR,
	".fhir": types.ContentTypeFHIR,
}

// Watcher ingests files dropped into a directory: each matching file is
// read, enveloped, published, and moved to the processed directory, or
// to the error directory when the publish fails.
type Watcher struct {
	cfg     WatcherConfig
	manager *queue.Manager
	logger  *log.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	state  stage.State
	cancel context.CancelFunc
	done   chan struct{}
	out    queue.Queue

	// seen is the time-windowed registry of handled filenames.
	seen map[string]time.Time
}

// NewWatcher creates a directory ingest stage.
func NewWatcher(cfg WatcherConfig, m *queue.Manager, logger *log.Logger, collector *metrics.Collector) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		cfg:     cfg,
		manager: m,
		logger:  logger.WithStage(cfg.Name),
		metrics: collector,
		state:   stage.StateStopped,
		seen:    make(map[string]time.Time),
	}
}

// Name returns the stage name.
func (w *Watcher) Name() string { return w.cfg.Name }

// State returns the lifecycle state.
func (w *Watcher) State() stage.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start validates directories and spawns the scan loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stage.StateStopped {
		return fmt.Errorf("stage %s is %s, cannot start", w.cfg.Name, w.state)
	}
	w.state = stage.StateStarting

	if w.cfg.InputDir == "" {
		w.state = stage.StateStopped
		return fmt.Errorf("stage %s: no input directory", w.cfg.Name)
	}
	for _, dir := range []string{w.cfg.InputDir, w.cfg.ProcessedDir, w.cfg.ErrorDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.state = stage.StateStopped
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	out, err := w.manager.Get(w.cfg.OutputQueue)
	if err != nil {
		w.state = stage.StateStopped
		return fmt.Errorf("resolve output queue: %w", err)
	}
	w.out = out

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx)

	w.state = stage.StateRunning
	w.logger.Info("file watcher started", map[string]any{
		"dir":     w.cfg.InputDir,
		"pattern": w.cfg.Pattern,
		"queue":   w.cfg.OutputQueue,
	})
	return nil
}

// Stop cancels the scan loop and waits for the in-progress scan.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != stage.StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = stage.StateStopping
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.state = stage.StateStopped
	w.mu.Unlock()
	return nil
}

// run scans on every poll tick and on filesystem notifications. The
// notifier is best-effort: if it cannot be established the poll alone
// carries the load.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var events chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(w.cfg.InputDir); err == nil {
			events = make(chan struct{}, 1)
			go forwardEvents(ctx, watcher, events)
		} else {
			_ = watcher.Close()
			w.logger.Warn("filesystem notifications unavailable, polling only", map[string]any{
				"error": err.Error(),
			})
		}
		defer func() { _ = watcher.Close() }()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		case <-events:
			w.scan(ctx)
		}
	}
}

// forwardEvents coalesces create/write notifications into wake-ups.
func forwardEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// scan handles every matching file currently in the input directory.
func (w *Watcher) scan(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.InputDir, w.cfg.Pattern))
	if err != nil {
		w.logger.Error("glob failed", map[string]any{"error": err.Error()})
		return
	}
	w.pruneRegistry()

	for _, path := range matches {
		if ctx.Err() != nil {
			return
		}
		if w.alreadySeen(path) {
			continue
		}
		w.handleFile(ctx, path)
	}
}

func (w *Watcher) alreadySeen(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[filepath.Base(path)]
	return ok
}

func (w *Watcher) markSeen(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[filepath.Base(path)] = time.Now()
}

func (w *Watcher) pruneRegistry() {
	cutoff := time.Now().Add(-w.cfg.RegistryWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, name)
		}
	}
}

// handleFile reads, publishes, and relocates one file.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("unreadable file", map[string]any{"path": path, "error": err.Error()})
		return
	}
	w.markSeen(path)

	contentType := contentTypeByExt[strings.ToLower(filepath.Ext(path))]
	if contentType == "" {
		contentType = types.ContentTypeHL7v2
	}

	env := types.NewEnvelope("file://"+path, contentType, raw)
	env.Header.Metadata["filename"] = filepath.Base(path)

	if err := w.out.Publish(ctx, env); err != nil {
		w.logger.Error("publish failed", map[string]any{"path": path, "error": err.Error()})
		if _, mvErr := iox.MoveFile(path, w.cfg.ErrorDir); mvErr != nil {
			w.logger.Error("move to error dir failed", map[string]any{"path": path, "error": mvErr.Error()})
		}
		return
	}

	w.metrics.IncReceived()
	if _, err := iox.MoveFile(path, w.cfg.ProcessedDir); err != nil {
		w.logger.Error("move to processed dir failed", map[string]any{"path": path, "error": err.Error()})
		return
	}
	w.logger.Debug("file ingested", map[string]any{
		"path":       path,
		"message_id": env.Header.MessageID,
	})
}
