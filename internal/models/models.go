package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Tenant struct {
	ID               string `json:"id" db:"id"`
	Email            string `json:"email" db:"email"`
	MonthlyCallLimit int64  `json:"monthly_call_limit" db:"monthly_call_limit"`
}

type APIKey struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	KeyHash   string    `json:"-" db:"key_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Usage is the outcome of one atomic increment of a tenant's monthly counter.
type Usage struct {
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

func (u Usage) Exceeded() bool {
	return u.Limit > 0 && u.Current > u.Limit
}

type Service struct {
	ID       string     `json:"id" db:"id"`
	TenantID string     `json:"tenant_id" db:"tenant_id"`
	Name     string     `json:"name" db:"name"`
	BaseURL  string     `json:"base_url" db:"base_url"`
	Auth     AuthConfig `json:"-"`
}

type serviceJSON struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Name     string      `json:"name"`
	BaseURL  string      `json:"base_url"`
	Auth     AuthColumns `json:"auth"`
}

func (s Service) MarshalJSON() ([]byte, error) {
	return json.Marshal(serviceJSON{
		ID:       s.ID,
		TenantID: s.TenantID,
		Name:     s.Name,
		BaseURL:  s.BaseURL,
		Auth:     ColumnsFor(s.Auth),
	})
}

func (s *Service) UnmarshalJSON(data []byte) error {
	var raw serviceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	auth, err := raw.Auth.AuthConfig()
	if err != nil {
		return err
	}
	*s = Service{ID: raw.ID, TenantID: raw.TenantID, Name: raw.Name, BaseURL: raw.BaseURL, Auth: auth}
	return nil
}

type EndpointPolicy struct {
	ID          string `json:"id" db:"id"`
	ServiceID   string `json:"service_id" db:"service_id"`
	Method      string `json:"method" db:"method"`
	Path        string `json:"path" db:"path"`
	PathPattern string `json:"path_pattern" db:"path_pattern"`
	UpstreamURL string `json:"upstream_url" db:"upstream_url"`

	CacheEnabled bool `json:"cache_enabled" db:"cache_enabled"`
	CacheTTL     int  `json:"cache_ttl" db:"cache_ttl"`

	RetryEnabled  bool `json:"retry_enabled" db:"retry_enabled"`
	RetryCount    int  `json:"retry_count" db:"retry_count"`
	RetryInterval int  `json:"retry_interval" db:"retry_interval"`

	MockEnabled bool   `json:"mock_enabled" db:"mock_enabled"`
	MockStatus  int    `json:"mock_status" db:"mock_status"`
	MockBody    string `json:"mock_body" db:"mock_body"`

	FallbackEnabled bool   `json:"fallback_enabled" db:"fallback_enabled"`
	FallbackStatus  int    `json:"fallback_status" db:"fallback_status"`
	FallbackBody    string `json:"fallback_body" db:"fallback_body"`

	TransformEnabled bool   `json:"data_mapping_enabled" db:"data_mapping_enabled"`
	TransformSource  string `json:"data_mapping_function" db:"data_mapping_function"`

	CustomHeadersEnabled bool              `json:"custom_headers_enabled" db:"custom_headers_enabled"`
	CustomHeaders        map[string]string `json:"custom_headers,omitempty" db:"custom_headers"`

	SchemaMonitoring bool `json:"schema_monitoring" db:"schema_monitoring"`
}

// RouteBundle is the cached resolution unit for one (tenant, service, endpoint) key:
// the owning service and every policy whose pattern matched the endpoint path.
type RouteBundle struct {
	Service   Service          `json:"service"`
	Endpoints []EndpointPolicy `json:"endpoints"`
}

type CacheEntry struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// RequestTrace is request-scoped state; it is never persisted on its own.
type RequestTrace struct {
	CorrelationID string
	StartedAt     time.Time
	TenantID      string
	Endpoint      *EndpointPolicy
	Headers       map[string]string
	UpstreamURL   string
	CacheHit      bool
	Mock          bool
	Fallback      bool
	RetryNumber   int
}

type LogRecord struct {
	ID              string            `json:"id" db:"id"`
	EndpointID      string            `json:"endpoint_id" db:"endpoint_id"`
	TenantID        string            `json:"tenant_id" db:"tenant_id"`
	CorrelationID   string            `json:"correlation_id" db:"correlation_id"`
	Method          string            `json:"method" db:"method"`
	Path            string            `json:"path" db:"path"`
	UpstreamURL     string            `json:"upstream_url,omitempty" db:"upstream_url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty" db:"request_headers"`
	RequestBody     string            `json:"request_body,omitempty" db:"request_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty" db:"response_headers"`
	ResponseBody    string            `json:"response_body,omitempty" db:"response_body"`
	StatusCode      int               `json:"status_code" db:"status_code"`
	// ErrorCode is the failure classification used for incident counting.
	ErrorCode          int       `json:"error_code,omitempty" db:"error_code"`
	DurationMS         int64     `json:"duration_ms" db:"duration_ms"`
	IP                 string    `json:"ip" db:"ip"`
	CacheHit           bool      `json:"cache_hit" db:"cache_hit"`
	IsMockResponse     bool      `json:"is_mock_response" db:"is_mock_response"`
	IsFallbackResponse bool      `json:"is_fallback_response" db:"is_fallback_response"`
	RetryNumber        int       `json:"retry_number" db:"retry_number"`
	Error              string    `json:"error,omitempty" db:"error"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	// SkipIncident marks gateway routing rejections; they are stored but
	// never counted towards incidents.
	SkipIncident bool `json:"-" db:"-"`
}

// IsError reports whether the record counts towards incident thresholds.
func (l *LogRecord) IsError() bool {
	return l.Error != "" || l.StatusCode >= 400
}

// Classification is the incident classification of a failed record.
func (l *LogRecord) Classification() string {
	code := l.ErrorCode
	if code == 0 {
		code = l.StatusCode
	}
	return fmt.Sprintf("%d", code)
}

const ClassificationSchemaChanged = "SCHEMA_CHANGED"

type Incident struct {
	ID             string          `json:"id" db:"id"`
	EndpointID     string          `json:"endpoint_id" db:"endpoint_id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	Classification string          `json:"classification" db:"classification"`
	Title          string          `json:"title" db:"title"`
	Details        json.RawMessage `json:"details,omitempty" db:"details"`
	Occurrences    int             `json:"occurrences" db:"occurrences"`
	Resolved       bool            `json:"resolved" db:"resolved"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

type SchemaSnapshot struct {
	EndpointID string          `json:"endpoint_id" db:"endpoint_id"`
	Schema     json.RawMessage `json:"schema" db:"schema"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
