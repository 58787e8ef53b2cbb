package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caduceus-io/caduceus/fhir"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/stage"
	"github.com/caduceus-io/caduceus/types"
)

// FHIRListenerConfig configures the inbound FHIR HTTP endpoint.
type FHIRListenerConfig struct {
	// Name identifies the stage (default "fhir-listener").
	Name string
	// Host to bind (default all interfaces).
	Host string
	// Port to listen on (required).
	Port int
	// OutputQueue receives accepted envelopes (required).
	OutputQueue string
	// MaxBodyBytes bounds a request body (default 10 MiB).
	MaxBodyBytes int64
	// DrainTimeout bounds graceful shutdown (default 30s).
	DrainTimeout time.Duration
}

func (c FHIRListenerConfig) withDefaults() FHIRListenerConfig {
	if c.Name == "" {
		c.Name = "fhir-listener"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// FHIRListener accepts FHIR resources over HTTP: POST /{resourceType}
// for single resources and POST /$process-message for message Bundles.
// Accepted payloads answer 202; failures answer an OperationOutcome.
type FHIRListener struct {
	cfg     FHIRListenerConfig
	manager *queue.Manager
	logger  *log.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	state  stage.State
	server *http.Server
	ln     net.Listener
	out    queue.Queue
}

// NewFHIRListener creates the inbound FHIR stage.
func NewFHIRListener(cfg FHIRListenerConfig, m *queue.Manager, logger *log.Logger, collector *metrics.Collector) *FHIRListener {
	cfg = cfg.withDefaults()
	return &FHIRListener{
		cfg:     cfg,
		manager: m,
		logger:  logger.WithStage(cfg.Name),
		metrics: collector,
		state:   stage.StateStopped,
	}
}

// Name returns the stage name.
func (l *FHIRListener) Name() string { return l.cfg.Name }

// Addr returns the bound address, or "" before Start.
func (l *FHIRListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Start binds the socket and begins serving.
func (l *FHIRListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stage.StateStopped {
		return fmt.Errorf("stage %s is %s, cannot start", l.cfg.Name, l.state)
	}
	l.state = stage.StateStarting

	out, err := l.manager.Get(l.cfg.OutputQueue)
	if err != nil {
		l.state = stage.StateStopped
		return fmt.Errorf("resolve output queue: %w", err)
	}
	l.out = out

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.state = stage.StateStopped
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	l.ln = ln

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/$process-message", l.handleProcessMessage)
	r.Post("/{resourceType}", l.handleResource)

	l.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("serve failed", map[string]any{"error": err.Error()})
		}
	}()

	l.state = stage.StateRunning
	l.logger.Info("fhir listener started", map[string]any{
		"addr":  ln.Addr().String(),
		"queue": l.cfg.OutputQueue,
	})
	return nil
}

// Stop shuts the server down gracefully within the drain timeout.
func (l *FHIRListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stage.StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = stage.StateStopping
	server := l.server
	l.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, l.cfg.DrainTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)

	l.mu.Lock()
	l.state = stage.StateStopped
	l.mu.Unlock()
	return err
}

// handleResource accepts a single resource whose type must match the
// URL.
func (l *FHIRListener) handleResource(w http.ResponseWriter, r *http.Request) {
	wantType := chi.URLParam(r, "resourceType")
	raw, resource, ok := l.readResource(w, r)
	if !ok {
		return
	}
	if rt, _ := fhir.ResourceType(resource); rt != wantType {
		writeOutcome(w, http.StatusBadRequest,
			fmt.Sprintf("resourceType %q does not match URL %q", resource["resourceType"], wantType))
		return
	}
	l.accept(w, r, raw, resource)
}

// handleProcessMessage accepts a message Bundle (or any resource) on
// the FHIR $process-message operation endpoint.
func (l *FHIRListener) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	raw, resource, ok := l.readResource(w, r)
	if !ok {
		return
	}
	l.accept(w, r, raw, resource)
}

func (l *FHIRListener) readResource(w http.ResponseWriter, r *http.Request) ([]byte, map[string]any, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.cfg.MaxBodyBytes))
	if err != nil {
		writeOutcome(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, nil, false
	}
	resource, err := fhir.Parse(raw)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	return raw, resource, true
}

// accept envelopes the resource and publishes it. The 202 answer means
// queued, not processed; processing outcomes surface downstream.
func (l *FHIRListener) accept(w http.ResponseWriter, r *http.Request, raw []byte, resource map[string]any) {
	rt, _ := fhir.ResourceType(resource)
	source := fmt.Sprintf("http://%s%s", r.Host, r.URL.Path)

	env := types.NewEnvelope(source, types.ContentTypeFHIR, raw)
	env.Header.MessageType = rt
	env.Header.Metadata["peer"] = r.RemoteAddr
	env.Body.Content = resource

	if err := l.out.Publish(r.Context(), env); err != nil {
		l.logger.Error("publish failed", map[string]any{
			"message_id": env.Header.MessageID,
			"error":      err.Error(),
		})
		writeOutcome(w, http.StatusServiceUnavailable, "message could not be accepted")
		return
	}

	l.metrics.IncReceived()
	l.logger.Debug("resource accepted", map[string]any{
		"message_id":    env.Header.MessageID,
		"resource_type": rt,
	})
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": env.Header.MessageID})
}

// writeOutcome answers with a FHIR OperationOutcome carrying one issue.
func writeOutcome(w http.ResponseWriter, status int, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []any{
			map[string]any{
				"severity":    "error",
				"code":        "processing",
				"diagnostics": diagnostics,
			},
		},
	})
}
