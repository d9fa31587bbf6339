package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"go.uber.org/zap"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	ClaimsKey    contextKey = "claims"

	HeaderRequestID = "X-Request-ID"
)

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-ID, X-Cache, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID keeps an inbound X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Logger writes one access log line per request and feeds request metrics.
func Logger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger = logger.With(logging.Component("http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			m.IncrementRequestsInFlight()
			defer m.DecrementRequestsInFlight()

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			m.RecordRequest(duration, wrapped.statusCode < 400)

			fields := []zap.Field{
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(wrapped.statusCode),
				logging.Duration(duration),
				logging.RemoteAddr(r.RemoteAddr),
			}
			if id := GetRequestID(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			if cid := w.Header().Get("X-Correlation-ID"); cid != "" {
				fields = append(fields, logging.CorrelationID(cid))
			}

			if wrapped.statusCode >= 500 {
				logger.Error("request failed", fields...)
			} else {
				logger.Info("request completed", fields...)
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Recovery turns a panic into a 500 without a stack trace in the body.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID := GetRequestID(r.Context())

					logger.Error("panic recovered",
						logging.Method(r.Method),
						logging.Path(r.URL.Path),
						zap.Any("error", err),
						zap.String("request_id", requestID),
						zap.String("stack_trace", string(debug.Stack())))

					respondJSON(w, http.StatusInternalServerError, map[string]string{
						"error":      "Internal server error",
						"request_id": requestID,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
