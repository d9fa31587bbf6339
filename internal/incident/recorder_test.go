package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	sent []string
	err  error
}

func (r *recordingNotifier) SendEmail(_ context.Context, to, subject, _ string) error {
	r.sent = append(r.sent, to+"|"+subject)
	return r.err
}

type captureSink struct {
	errs []error
}

func (c *captureSink) CaptureException(_ context.Context, err error, _ ...zap.Field) {
	c.errs = append(c.errs, err)
}

type recorderFixture struct {
	*storetest.Fixture
	endpoint *models.EndpointPolicy
	notifier *recordingNotifier
	sink     *captureSink
	now      time.Time
	recorder *Recorder
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	f := storetest.New(t, 0)
	svc := f.Service(t, "payments", "https://payments.example.com", nil)
	ep := f.Endpoint(t, svc, &models.EndpointPolicy{
		Method:      "POST",
		Path:        "/charges",
		UpstreamURL: "https://payments.example.com/charges",
	})

	rf := &recorderFixture{
		Fixture:  f,
		endpoint: ep,
		notifier: &recordingNotifier{},
		sink:     &captureSink{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	rf.recorder = NewRecorder(f.Store, rf.notifier, rf.sink, metrics.New(), zap.NewNop(),
		WithClock(func() time.Time { return rf.now }))
	return rf
}

func (rf *recorderFixture) record(t *testing.T, status int, errText string) {
	t.Helper()
	err := rf.recorder.Record(context.Background(), &models.LogRecord{
		EndpointID:    rf.endpoint.ID,
		TenantID:      rf.Tenant.ID,
		CorrelationID: "c",
		Method:        "POST",
		Path:          "/charges",
		StatusCode:    status,
		Error:         errText,
	})
	require.NoError(t, err)
}

func TestRecorder_OpensIncidentAtThreshold(t *testing.T) {
	rf := newRecorderFixture(t)

	rf.record(t, 503, "Service Unavailable")
	rf.record(t, 503, "Service Unavailable")
	assert.Equal(t, 0, rf.Count(t, "incidents", ""))

	rf.record(t, 503, "Service Unavailable")
	assert.Equal(t, 1, rf.Count(t, "incidents", "classification = '503'"))
	require.Len(t, rf.notifier.sent, 1)
	assert.Contains(t, rf.notifier.sent[0], "owner@tenant.io|")

	rf.record(t, 503, "Service Unavailable")
	assert.Equal(t, 1, rf.Count(t, "incidents", ""))
	assert.Len(t, rf.notifier.sent, 1)
	assert.Equal(t, 4, rf.Count(t, "request_logs", "error_code = 503"))
}

func TestRecorder_ClassificationsAreIndependent(t *testing.T) {
	rf := newRecorderFixture(t)

	rf.record(t, 503, "")
	rf.record(t, 500, "")
	rf.record(t, 503, "")
	rf.record(t, 500, "")
	assert.Equal(t, 0, rf.Count(t, "incidents", ""))

	rf.record(t, 500, "")
	assert.Equal(t, 1, rf.Count(t, "incidents", "classification = '500'"))
	assert.Equal(t, 0, rf.Count(t, "incidents", "classification = '503'"))
}

func TestRecorder_SkipIncidentIsStoredButNotCounted(t *testing.T) {
	rf := newRecorderFixture(t)

	for range 3 {
		err := rf.recorder.Record(context.Background(), &models.LogRecord{
			EndpointID:   rf.endpoint.ID,
			TenantID:     rf.Tenant.ID,
			Method:       "DELETE",
			Path:         "/charges",
			StatusCode:   405,
			Error:        "method not allowed",
			SkipIncident: true,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, rf.Count(t, "request_logs", "status_code = 405"))
	assert.Equal(t, 0, rf.Count(t, "incidents", ""))
	assert.Empty(t, rf.notifier.sent)
}

func TestRecorder_TrailingWindow(t *testing.T) {
	rf := newRecorderFixture(t)

	rf.record(t, 502, "")
	rf.record(t, 502, "")
	rf.now = rf.now.Add(25 * time.Hour)
	rf.record(t, 502, "")

	assert.Equal(t, 0, rf.Count(t, "incidents", ""))
}

func TestRecorder_SuccessNeverCounts(t *testing.T) {
	rf := newRecorderFixture(t)

	for range 5 {
		rf.record(t, 200, "")
	}
	assert.Equal(t, 5, rf.Count(t, "request_logs", ""))
	assert.Equal(t, 0, rf.Count(t, "incidents", ""))
}

func TestRecorder_ResolvedIncidentAllowsNewOne(t *testing.T) {
	rf := newRecorderFixture(t)
	ctx := context.Background()

	for range 3 {
		rf.record(t, 504, "")
	}
	inc, err := rf.Store.OpenIncident(ctx, rf.endpoint.ID, "504")
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, 3, inc.Occurrences)
	require.NoError(t, rf.Store.ResolveIncident(ctx, inc.ID))

	rf.record(t, 504, "")
	assert.Equal(t, 2, rf.Count(t, "incidents", "classification = '504'"))
	assert.Len(t, rf.notifier.sent, 2)
}

func TestRecorder_NotificationFailureIsSwallowed(t *testing.T) {
	rf := newRecorderFixture(t)
	rf.notifier.err = errors.New("provider rejected")

	for range 3 {
		rf.record(t, 500, "boom")
	}
	assert.Equal(t, 1, rf.Count(t, "incidents", ""))
	require.Len(t, rf.sink.errs, 1)
	assert.Contains(t, rf.sink.errs[0].Error(), "provider rejected")
}

func TestRecorder_ErrorTextWithoutStatus(t *testing.T) {
	rf := newRecorderFixture(t)

	rec := &models.LogRecord{EndpointID: rf.endpoint.ID, TenantID: rf.Tenant.ID, CorrelationID: "c",
		Method: "POST", Path: "/charges", StatusCode: 500, Error: "transformation execution failed"}
	require.NoError(t, rf.recorder.Record(context.Background(), rec))
	assert.Equal(t, 500, rec.ErrorCode)
	assert.True(t, rf.now.Equal(rec.CreatedAt))
}
