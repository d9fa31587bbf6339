// Package gateway serves /api/{service}/{endpoint...}: it authenticates the
// caller, resolves the tenant's endpoint policy and answers from a mock, the
// response cache, the upstream (with retries) or a fallback, optionally
// reshaping the body with the endpoint's transform.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/incident"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/observe"
	"github.com/api200/gateway/internal/routing"
	"github.com/api200/gateway/internal/sandbox"
	"github.com/api200/gateway/internal/schema"
	"github.com/api200/gateway/internal/upstream"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey        = "X-API-Key"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderCache         = "X-Cache"

	maxRequestBody = 10 << 20
)

// Deps are the collaborators of the orchestrator. Codec may be nil when no
// encryption key is configured; services that declare auth then fail with a
// decryption error.
type Deps struct {
	Gate      *auth.Gate
	Resolver  *routing.Resolver
	Responses *cache.ResponseCache
	Caller    *upstream.Caller
	Codec     upstream.Decrypter
	Sandbox   *sandbox.Sandbox
	Detector  *schema.Detector
	Recorder  *incident.Recorder
	Sink      observe.Sink
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Orchestrator struct {
	gate      *auth.Gate
	resolver  *routing.Resolver
	responses *cache.ResponseCache
	caller    *upstream.Caller
	codec     upstream.Decrypter
	sandbox   *sandbox.Sandbox
	detector  *schema.Detector
	recorder  *incident.Recorder
	sink      observe.Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		gate:      d.Gate,
		resolver:  d.Resolver,
		responses: d.Responses,
		caller:    d.Caller,
		codec:     d.Codec,
		sandbox:   d.Sandbox,
		detector:  d.Detector,
		recorder:  d.Recorder,
		sink:      d.Sink,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       time.Now,
	}
	if o.codec == nil {
		o.codec = missingKey{}
	}
	if o.sandbox == nil {
		o.sandbox = sandbox.New(sandbox.DefaultConfig())
	}
	if o.sink == nil {
		o.sink = observe.Nop()
	}
	if o.metrics == nil {
		o.metrics = metrics.GetMetrics()
	}
	if o.logger == nil {
		o.logger = logging.L()
	}
	o.logger = o.logger.With(logging.Component("gateway"))
	return o
}

// Register mounts the gateway route on r.
func (o *Orchestrator) Register(r *mux.Router) {
	r.Handle("/api/{service}/{endpoint:.*}", o)
}

// result is what the pipeline decided to send back.
type result struct {
	status  int
	header  http.Header
	body    []byte
	err     error
	errCode int
	// routing rejections are logged but never open incidents
	noIncident bool
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trace := &models.RequestTrace{
		CorrelationID: logging.NewRequestID(),
		StartedAt:     o.now(),
	}
	ctx := logging.WithCorrelationID(r.Context(), trace.CorrelationID)
	w.Header().Set(HeaderCorrelationID, trace.CorrelationID)

	serviceName, endpointPath := target(r)

	// VALIDATE_KEY
	tenantID, err := o.gate.Authenticate(ctx, r.Header.Get(HeaderAPIKey))
	if err != nil {
		o.metrics.RecordAuthRejection()
		o.reject(ctx, w, err)
		return
	}
	trace.TenantID = tenantID

	// CHECK_QUOTA
	if err := o.gate.CheckQuota(ctx, tenantID); err != nil {
		o.metrics.RecordQuotaRejection()
		o.reject(ctx, w, err)
		return
	}

	// RESOLVE_ROUTE and CHECK_METHOD
	res, err := o.resolver.Resolve(ctx, tenantID, serviceName, endpointPath, r.Method)
	if res == nil {
		if apierr.IsKind(err, apierr.KindRouteNotFound) {
			o.metrics.RecordRouteMiss()
		}
		o.reject(ctx, w, err)
		return
	}
	trace.Endpoint = &res.Endpoint

	reqBody, readErr := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	outbound := forwardHeaders(r.Header, &res.Endpoint)
	trace.Headers = cache.NormalizeHeaders(outbound)

	var out *result
	switch {
	case err != nil:
		out = o.resolutionFailure(ctx, err)
	case readErr != nil:
		out = o.globalError(ctx, fmt.Errorf("read request body: %w", readErr))
	default:
		trace.UpstreamURL = withQuery(res.UpstreamURL, r.URL.RawQuery)
		out = o.dispatch(ctx, r, trace, res, outbound, reqBody)
	}

	o.write(w, out)
	// The client may hang up once it has its response; the log record and
	// incident work still have to land.
	o.record(context.WithoutCancel(ctx), r, trace, reqBody, out)
}

// dispatch runs CHECK_MOCK through CHECK_TRANSFORM.
func (o *Orchestrator) dispatch(ctx context.Context, r *http.Request, trace *models.RequestTrace, res *routing.Resolution, outbound http.Header, reqBody []byte) *result {
	ep := &res.Endpoint

	// CHECK_MOCK
	if ep.MockEnabled {
		trace.Mock = true
		o.metrics.RecordMock()
		return staticResult(ep.MockStatus, ep.MockBody)
	}

	cacheable := ep.CacheEnabled && r.Method == http.MethodGet
	var (
		status  int
		header  http.Header
		body    []byte
		chunked bool
	)

	// CACHE_LOOKUP
	if cacheable {
		if entry, ok := o.responses.Lookup(ctx, ep.ID, r.URL.RawQuery); ok {
			trace.CacheHit = true
			status, header, body = entry.Status, headerFromMap(entry.Headers), entry.Body
		}
	}

	// UPSTREAM_CALL_WITH_RETRY
	if !trace.CacheHit {
		targetURL, err := upstream.InjectAuth(res.Service.Auth, o.codec, outbound, trace.UpstreamURL)
		if err != nil {
			return o.globalError(ctx, err)
		}

		last := upstream.Last(o.caller.Attempts(ctx, upstream.Request{
			Method: r.Method,
			URL:    targetURL,
			Header: outbound,
			Body:   reqBody,
		}, upstream.PolicyFor(ep)))
		trace.RetryNumber = last.Retries()

		if last.Err != nil {
			if ep.FallbackEnabled {
				trace.Fallback = true
				o.metrics.RecordFallback()
				out := staticResult(ep.FallbackStatus, ep.FallbackBody)
				out.err = last.Err
				out.errCode = upstreamStatus(last.Err)
				return out
			}
			return o.globalError(ctx, last.Err)
		}

		resp := last.Response
		status, header, body, chunked = resp.Status, resp.Header, resp.Body, resp.Chunked

		if cacheable {
			o.responses.Store(ctx, ep.ID, r.URL.RawQuery, status, header, body, time.Duration(ep.CacheTTL)*time.Second)
		}
		if schema.Monitors(ep, r.Method) {
			o.observeSchema(ctx, ep, trace.TenantID, body)
		}
	}

	out := &result{status: status, header: relayHeaders(header, chunked || trace.CacheHit), body: body}
	if ep.CacheEnabled {
		out.header.Set(HeaderCache, cacheStatus(trace.CacheHit))
	}

	// CHECK_TRANSFORM
	if ep.TransformEnabled && strings.TrimSpace(ep.TransformSource) != "" {
		transformed, err := o.sandbox.RunJSON(ctx, ep.TransformSource, body)
		o.metrics.RecordTransform(err == nil)
		if err != nil {
			return o.globalError(ctx, err)
		}
		out.body = transformed
		out.header.Del("Content-Length")
		out.header.Set("Content-Type", "application/json")
	}

	return out
}

func (o *Orchestrator) resolutionFailure(ctx context.Context, err error) *result {
	if e, ok := apierr.As(err); ok && (e.Kind == apierr.KindMethodMismatch || e.Kind == apierr.KindPathParameterMismatch) {
		return &result{status: e.Status, header: jsonHeader(), body: errorBody(e), err: err, errCode: e.Status, noIncident: true}
	}
	return o.globalError(ctx, err)
}

// globalError builds the GLOBAL_ERROR response. Upstream failures surface the
// upstream's status and body; gateway-side failures never leak internals.
func (o *Orchestrator) globalError(ctx context.Context, err error) *result {
	o.metrics.RecordGlobalError()
	o.sink.CaptureException(ctx, err)

	var upErr *apierr.UpstreamError
	if errors.As(err, &upErr) {
		status := upErr.HTTPStatus()
		return &result{status: status, header: jsonHeader(), body: upstreamErrorBody(upErr), err: err, errCode: status}
	}
	if e, ok := apierr.As(err); ok {
		return &result{status: e.Status, header: jsonHeader(), body: errorBody(e), err: err, errCode: e.Status}
	}
	return &result{
		status:  http.StatusInternalServerError,
		header:  jsonHeader(),
		body:    messageBody("API200 Error: Internal server error"),
		err:     err,
		errCode: http.StatusInternalServerError,
	}
}

// reject answers the early exits that never produce a log record.
func (o *Orchestrator) reject(ctx context.Context, w http.ResponseWriter, err error) {
	e, ok := apierr.As(err)
	if !ok {
		o.sink.CaptureException(ctx, err)
		writeJSON(w, http.StatusInternalServerError, messageBody("API200 Error: Internal server error"))
		return
	}
	writeJSON(w, e.Status, errorBody(e))
}

func (o *Orchestrator) observeSchema(ctx context.Context, ep *models.EndpointPolicy, tenantID string, body []byte) {
	if o.detector == nil {
		return
	}
	if _, err := o.detector.Observe(ctx, ep, tenantID, body); err != nil {
		o.sink.CaptureException(ctx, err, logging.EndpointID(ep.ID))
	}
}

func (o *Orchestrator) record(ctx context.Context, r *http.Request, trace *models.RequestTrace, reqBody []byte, out *result) {
	rec := &models.LogRecord{
		EndpointID:         trace.Endpoint.ID,
		TenantID:           trace.TenantID,
		CorrelationID:      trace.CorrelationID,
		Method:             r.Method,
		Path:               r.URL.Path,
		UpstreamURL:        trace.UpstreamURL,
		RequestHeaders:     trace.Headers,
		RequestBody:        string(reqBody),
		ResponseHeaders:    cache.NormalizeHeaders(out.header),
		ResponseBody:       string(out.body),
		StatusCode:         out.status,
		ErrorCode:          out.errCode,
		DurationMS:         o.now().Sub(trace.StartedAt).Milliseconds(),
		IP:                 clientIP(r),
		CacheHit:           trace.CacheHit,
		IsMockResponse:     trace.Mock,
		IsFallbackResponse: trace.Fallback,
		RetryNumber:        trace.RetryNumber,
		SkipIncident:       out.noIncident,
	}
	if out.err != nil {
		rec.Error = out.err.Error()
	}

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, rec); err != nil {
			o.sink.CaptureException(ctx, err, logging.EndpointID(rec.EndpointID))
		}
	}

	o.logger.Debug("gateway request handled",
		logging.CorrelationID(trace.CorrelationID),
		logging.TenantID(trace.TenantID),
		logging.EndpointID(rec.EndpointID),
		logging.Status(rec.StatusCode),
		zap.Bool("cache_hit", rec.CacheHit),
		zap.Bool("mock", rec.IsMockResponse),
		zap.Bool("fallback", rec.IsFallbackResponse),
		zap.Int("retries", rec.RetryNumber))
}

// target extracts the service name and endpoint remainder, from mux vars
// when routed through Register and from the raw path otherwise.
func target(r *http.Request) (service, endpoint string) {
	if vars := mux.Vars(r); vars != nil {
		if s, ok := vars["service"]; ok {
			return s, "/" + strings.TrimPrefix(vars["endpoint"], "/")
		}
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/")
	service, endpoint, _ = strings.Cut(rest, "/")
	return service, "/" + endpoint
}

func upstreamStatus(err error) int {
	var upErr *apierr.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

type missingKey struct{}

func (missingKey) Decrypt(string) (string, error) {
	return "", errors.New("no encryption key configured")
}
