package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/notify"
	"github.com/api200/gateway/internal/observe"
	"go.uber.org/zap"
)

// Store is the persistence the detector needs.
type Store interface {
	LatestSchema(ctx context.Context, endpointID string) (*models.SchemaSnapshot, error)
	InsertSchema(ctx context.Context, snap *models.SchemaSnapshot) error
	OpenIncident(ctx context.Context, endpointID, classification string) (*models.Incident, error)
	InsertIncident(ctx context.Context, inc *models.Incident) error
	UpdateIncident(ctx context.Context, inc *models.Incident) error
	TenantEmail(ctx context.Context, tenantID string) (string, error)
}

// Outcome says what Observe did with a response.
type Outcome int

const (
	Skipped Outcome = iota
	Baseline
	Unchanged
	Drifted
)

type Detector struct {
	store    Store
	notifier notify.Notifier
	sink     observe.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDetector(s Store, n notify.Notifier, sink observe.Sink, m *metrics.Metrics, logger *zap.Logger) *Detector {
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
	return &Detector{store: s, notifier: n, sink: sink, metrics: m, logger: logger.With(logging.Component("schema"))}
}

// Monitors reports whether responses for ep on method are subject to drift
// detection.
func Monitors(ep *models.EndpointPolicy, method string) bool {
	if ep == nil || !ep.SchemaMonitoring {
		return false
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
		return true
	}
	return false
}

type driftDetails struct {
	OldSchema json.RawMessage `json:"old_schema"`
	NewSchema json.RawMessage `json:"new_schema"`
}

// Observe compares body against the endpoint's latest stored schema. The
// first observation becomes the baseline. A structural change stores the new
// schema and opens a SCHEMA_CHANGED incident, or updates the one already open.
// Bodies that are not JSON are skipped.
func (d *Detector) Observe(ctx context.Context, ep *models.EndpointPolicy, tenantID string, body []byte) (Outcome, error) {
	current, err := InferJSON(body)
	if err != nil {
		return Skipped, nil
	}
	encoded, err := json.Marshal(current)
	if err != nil {
		return Skipped, err
	}

	latest, err := d.store.LatestSchema(ctx, ep.ID)
	if err != nil {
		return Skipped, fmt.Errorf("load latest schema: %w", err)
	}

	snap := &models.SchemaSnapshot{EndpointID: ep.ID, Schema: encoded, CreatedAt: time.Now()}

	if latest == nil {
		if err := d.store.InsertSchema(ctx, snap); err != nil {
			return Skipped, fmt.Errorf("store baseline schema: %w", err)
		}
		return Baseline, nil
	}

	previous, err := Parse(latest.Schema)
	if err == nil && Equal(previous, current) {
		return Unchanged, nil
	}

	if err := d.store.InsertSchema(ctx, snap); err != nil {
		return Drifted, fmt.Errorf("store drifted schema: %w", err)
	}
	d.metrics.RecordSchemaDrift()
	d.logger.Info("response schema changed",
		logging.EndpointID(ep.ID),
		logging.TenantID(tenantID),
		logging.Path(ep.Path))

	details, err := json.Marshal(driftDetails{OldSchema: latest.Schema, NewSchema: encoded})
	if err != nil {
		return Drifted, err
	}

	open, err := d.store.OpenIncident(ctx, ep.ID, models.ClassificationSchemaChanged)
	if err != nil {
		return Drifted, fmt.Errorf("load open schema incident: %w", err)
	}
	if open != nil {
		open.Details = details
		open.Occurrences++
		if err := d.store.UpdateIncident(ctx, open); err != nil {
			return Drifted, fmt.Errorf("update schema incident: %w", err)
		}
		return Drifted, nil
	}

	inc := &models.Incident{
		EndpointID:     ep.ID,
		TenantID:       tenantID,
		Classification: models.ClassificationSchemaChanged,
		Title:          fmt.Sprintf("Response schema changed for %s %s", ep.Method, ep.Path),
		Details:        details,
		Occurrences:    1,
	}
	if err := d.store.InsertIncident(ctx, inc); err != nil {
		return Drifted, fmt.Errorf("open schema incident: %w", err)
	}
	d.metrics.RecordIncidentOpened()

	d.notify(ctx, ep, tenantID, latest.Schema, encoded)
	return Drifted, nil
}

func (d *Detector) notify(ctx context.Context, ep *models.EndpointPolicy, tenantID string, oldSchema, newSchema []byte) {
	email, err := d.store.TenantEmail(ctx, tenantID)
	if err != nil {
		d.sink.CaptureException(ctx, fmt.Errorf("load tenant email: %w", err), logging.TenantID(tenantID))
		return
	}
	subject, html := notify.SchemaChangeEmail(ep.Path, oldSchema, newSchema)
	if err := d.notifier.SendEmail(ctx, email, subject, html); err != nil {
		d.sink.CaptureException(ctx, fmt.Errorf("send schema change email: %w", err), logging.EndpointID(ep.ID))
	}
}
