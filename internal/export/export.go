// Package export renders completed scan jobs as downloadable artifacts.
// Artifacts are generated from the stored snapshot on every request.
package export

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
	"github.com/anstrom/scanwatch/internal/models"
)

// Artifact is one rendered export.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
	ETag        string
}

// Formatter renders a job in one format.
type Formatter interface {
	Format(job *models.ScanJob) ([]byte, error)
	ContentType() string
	FileExtension() string
}

// Lookup returns the latest snapshot of a job.
type Lookup func(ctx context.Context, id string) (*models.ScanJob, error)

// Registry maps format names to formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{formatters: make(map[string]Formatter)}
}

// DefaultRegistry returns a registry with every built-in format.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("json", JSONFormatter{})
	r.Register("yaml", YAMLFormatter{})
	r.Register("csv", CSVFormatter{})
	r.Register("xml", XMLFormatter{})
	r.Register("html", NewHTMLFormatter())
	r.Register("pdf", PDFFormatter{})
	r.Register("cyclonedx", CycloneDXFormatter{})
	return r
}

// Register adds or replaces a formatter.
func (r *Registry) Register(name string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[name] = f
}

// Get returns the formatter registered under name.
func (r *Registry) Get(name string) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formatters[name]
	return f, ok
}

// Names returns registered format names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service produces export artifacts.
type Service struct {
	lookup   Lookup
	registry *Registry
	logger   *logging.Logger
	recorder metrics.Recorder
}

// NewService creates an export service. A nil registry uses DefaultRegistry.
func NewService(lookup Lookup, registry *Registry, logger *logging.Logger, recorder metrics.Recorder) *Service {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Service{
		lookup:   lookup,
		registry: registry,
		logger:   logger.WithComponent("export"),
		recorder: recorder,
	}
}

// Formats lists the registered format names.
func (s *Service) Formats() []string {
	return s.registry.Names()
}

// Export renders job id in format. The job must be completed.
func (s *Service) Export(ctx context.Context, id, format string) (*Artifact, error) {
	job, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != models.StateCompleted {
		return nil, errors.ErrInvalidState(id, "export", string(job.State))
	}
	formatter, ok := s.registry.Get(format)
	if !ok {
		return nil, errors.ErrUnsupportedFormat(format)
	}

	start := time.Now()
	data, err := formatter.Format(job)
	if err != nil {
		s.logger.ErrorJob("Export failed", id, err, "format", format)
		return nil, errors.WrapJobError(errors.CodeUnknown, fmt.Sprintf("failed to render %s export", format), err)
	}
	s.recorder.ExportGenerated(format, time.Since(start))

	return &Artifact{
		Data:        data,
		ContentType: formatter.ContentType(),
		Filename:    fmt.Sprintf("scan-%s.%s", id, formatter.FileExtension()),
		ETag:        ETag(data),
	}, nil
}

// ETag returns a strong entity tag for data.
func ETag(data []byte) string {
	return fmt.Sprintf("\"%016x\"", xxh3.Hash(data))
}

// result returns the job's result, never nil.
func result(job *models.ScanJob) *models.ScanResult {
	if job.Result != nil {
		return job.Result
	}
	return models.NewScanResult(job.CreatedAt)
}
