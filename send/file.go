package send

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caduceus-io/caduceus/iox"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/types"
)

// DefaultFilePattern names output files by ingest time and identity.
const DefaultFilePattern = "{timestamp}_{message_id}{ext}"

// extByContentType maps envelope content types onto file extensions.
var extByContentType = map[string]string{
	types.ContentTypeHL7v2: ".hl7",
	types.ContentTypeFHIR:  ".json",
}

// FileSinkConfig configures the file writer sink.
type FileSinkConfig struct {
	// Name identifies the stage (default "file-sink").
	Name string
	// OutputDir receives the files (required).
	OutputDir string
	// Pattern is the filename template; {timestamp}, {message_id},
	// {message_type}, and {ext} are substituted
	// (default DefaultFilePattern).
	Pattern string
	// CreateSubdirs creates intermediate directories when the pattern
	// contains separators.
	CreateSubdirs bool
	// Perm is the file mode of written files (default 0644).
	Perm os.FileMode
}

func (c FileSinkConfig) withDefaults() FileSinkConfig {
	if c.Name == "" {
		c.Name = "file-sink"
	}
	if c.Pattern == "" {
		c.Pattern = DefaultFilePattern
	}
	if c.Perm == 0 {
		c.Perm = 0o644
	}
	return c
}

// FileSink writes each envelope's payload to a file, atomically via a
// same-directory temp file and rename.
type FileSink struct {
	cfg     FileSinkConfig
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewFileSink creates a file writer processor.
func NewFileSink(cfg FileSinkConfig, logger *log.Logger, collector *metrics.Collector) (*FileSink, error) {
	cfg = cfg.withDefaults()
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("%s: no output directory", cfg.Name)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: create %s: %w", cfg.Name, cfg.OutputDir, err)
	}
	return &FileSink{cfg: cfg, logger: logger.WithStage(cfg.Name), metrics: collector}, nil
}

// Name identifies the sink as a stage processor.
func (s *FileSink) Name() string { return s.cfg.Name }

// Process writes one envelope. Write failures are retryable transport
// errors; a full disk or permission problem clears when an operator
// intervenes and the redelivered message succeeds.
func (s *FileSink) Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	path := filepath.Join(s.cfg.OutputDir, s.fileName(env))

	if dir := filepath.Dir(path); dir != s.cfg.OutputDir {
		if !s.cfg.CreateSubdirs {
			return nil, types.Errorf(types.KindValidation, s.cfg.Name,
				"pattern escapes output dir and create_subdirs is off")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.NewError(types.KindTransport, s.cfg.Name, err)
		}
	}

	payload := env.Body.RawContent
	if len(payload) == 0 {
		return nil, types.Errorf(types.KindValidation, s.cfg.Name, "envelope has no raw content")
	}
	if err := iox.WriteFileAtomic(path, payload, s.cfg.Perm); err != nil {
		return nil, types.NewError(types.KindTransport, s.cfg.Name, err)
	}

	if err := env.Advance(types.StatusSent); err != nil {
		return nil, types.NewError(types.KindApplicationReject, s.cfg.Name, err)
	}
	s.metrics.IncSent()
	s.logger.Debug("written", map[string]any{
		"message_id": env.Header.MessageID,
		"path":       path,
	})
	return nil, nil
}

func (s *FileSink) fileName(env *types.Envelope) string {
	ext := extByContentType[env.Body.ContentType]
	if ext == "" {
		ext = ".dat"
	}
	name := s.cfg.Pattern
	name = strings.ReplaceAll(name, "{timestamp}", time.Now().UTC().Format("20060102T150405"))
	name = strings.ReplaceAll(name, "{message_id}", env.Header.MessageID)
	name = strings.ReplaceAll(name, "{message_type}", env.Header.MessageType)
	name = strings.ReplaceAll(name, "{ext}", ext)
	return name
}
