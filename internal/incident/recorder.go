// Package incident persists per-request log records and opens incidents when
// an endpoint keeps failing the same way.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/notify"
	"github.com/api200/gateway/internal/observe"
	"go.uber.org/zap"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 24 * time.Hour
)

type Store interface {
	InsertLog(ctx context.Context, rec *models.LogRecord) error
	CountFailures(ctx context.Context, endpointID string, errorCode int, since time.Time) (int, error)
	OpenIncident(ctx context.Context, endpointID, classification string) (*models.Incident, error)
	InsertIncident(ctx context.Context, inc *models.Incident) error
	TenantEmail(ctx context.Context, tenantID string) (string, error)
}

type Recorder struct {
	store     Store
	notifier  notify.Notifier
	sink      observe.Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	threshold int
	window    time.Duration
	now       func() time.Time
}

type Option func(*Recorder)

func WithThreshold(n int) Option {
	return func(r *Recorder) { r.threshold = n }
}

func WithWindow(d time.Duration) Option {
	return func(r *Recorder) { r.window = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(s Store, n notify.Notifier, sink observe.Sink, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Recorder {
	if n == nil {
		n = notify.Nop()
	}
	if sink == nil {
		sink = observe.Nop()
	}
	if m == nil {
		m = metrics.GetMetrics()
	}
	if logger == nil {
		logger = logging.L()
	}
	r := &Recorder{
		store:     s,
		notifier:  n,
		sink:      sink,
		metrics:   m,
		logger:    logger.With(logging.Component("incident")),
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes rec and, when it is a failure not marked SkipIncident,
// evaluates the incident threshold for its endpoint and classification. It
// returns the first error hit; notification failures are reported to the sink
// and not returned.
func (r *Recorder) Record(ctx context.Context, rec *models.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.IsError() && rec.ErrorCode == 0 {
		rec.ErrorCode = rec.StatusCode
	}

	if err := r.store.InsertLog(ctx, rec); err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}

	if !rec.IsError() || rec.SkipIncident {
		return nil
	}
	return r.evaluate(ctx, rec)
}

func (r *Recorder) evaluate(ctx context.Context, rec *models.LogRecord) error {
	failures, err := r.store.CountFailures(ctx, rec.EndpointID, rec.ErrorCode, r.now().Add(-r.window))
	if err != nil {
		return fmt.Errorf("count failures: %w", err)
	}
	if failures < r.threshold {
		return nil
	}

	classification := rec.Classification()
	open, err := r.store.OpenIncident(ctx, rec.EndpointID, classification)
	if err != nil {
		return fmt.Errorf("load open incident: %w", err)
	}
	if open != nil {
		return nil
	}

	inc := &models.Incident{
		EndpointID:     rec.EndpointID,
		TenantID:       rec.TenantID,
		Classification: classification,
		Title:          fmt.Sprintf("%s %s failing with %s", rec.Method, rec.Path, classification),
		Occurrences:    failures,
	}
	if err := r.store.InsertIncident(ctx, inc); err != nil {
		return fmt.Errorf("open incident: %w", err)
	}
	r.metrics.RecordIncidentOpened()
	r.logger.Warn("incident opened",
		logging.EndpointID(rec.EndpointID),
		logging.TenantID(rec.TenantID),
		zap.String("classification", classification),
		zap.Int("failures", failures))

	r.notify(ctx, rec, classification, failures)
	return nil
}

func (r *Recorder) notify(ctx context.Context, rec *models.LogRecord, classification string, failures int) {
	email, err := r.store.TenantEmail(ctx, rec.TenantID)
	if err != nil {
		r.sink.CaptureException(ctx, fmt.Errorf("load tenant email: %w", err), logging.TenantID(rec.TenantID))
		return
	}
	subject, html := notify.IncidentEmail(rec.Path, classification, failures)
	if err := r.notifier.SendEmail(ctx, email, subject, html); err != nil {
		r.sink.CaptureException(ctx, fmt.Errorf("send incident email: %w", err), logging.EndpointID(rec.EndpointID))
	}
}
