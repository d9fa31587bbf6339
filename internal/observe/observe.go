// Package observe is the gateway's exception sink. Every caught error that
// does not reach the caller as-is ends up here.
package observe

import (
	"context"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"go.uber.org/zap"
)

// Sink receives caught errors. Implementations must not block the request path.
type Sink interface {
	CaptureException(ctx context.Context, err error, fields ...zap.Field)
}

type Reporter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewReporter(logger *zap.Logger, m *metrics.Metrics) *Reporter {
	if logger == nil {
		logger = logging.L()
	}
	if m == nil {
		m = metrics.GetMetrics()
	}
	return &Reporter{logger: logger.With(logging.Component("observe")), metrics: m}
}

func (r *Reporter) CaptureException(ctx context.Context, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.metrics.RecordException()

	if id := logging.CorrelationIDFrom(ctx); id != "" {
		fields = append(fields, logging.CorrelationID(id))
	}
	r.logger.Error("captured exception", append(fields, zap.Error(err))...)
}

type nop struct{}

func (nop) CaptureException(context.Context, error, ...zap.Field) {}

// Nop discards everything.
func Nop() Sink { return nop{} }
