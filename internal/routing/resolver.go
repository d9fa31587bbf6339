// Package routing maps an inbound (tenant, service, endpoint, method) tuple to
// an endpoint policy and a concrete upstream URL.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/observe"
	"github.com/api200/gateway/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RouteStore is the slice of the persistent store the resolver reads.
type RouteStore interface {
	ServiceEndpoints(ctx context.Context, tenantID, serviceName string) (*models.Service, []models.EndpointPolicy, error)
}

// Resolution is the outcome of a successful route lookup.
type Resolution struct {
	Service     models.Service
	Endpoint    models.EndpointPolicy
	UpstreamURL string
}

type Resolver struct {
	store    RouteStore
	cache    cache.Cache
	sink     observe.Sink
	group    singleflight.Group
	patterns patternCache
}

func NewResolver(s RouteStore, c cache.Cache, sink observe.Sink) *Resolver {
	if sink == nil {
		sink = observe.Nop()
	}
	return &Resolver{store: s, cache: c, sink: sink}
}

// Resolve finds the policy for method on endpointPath. On a method mismatch or
// a path parameter mismatch the returned Resolution still carries the matched
// endpoint so the caller can log against it.
func (r *Resolver) Resolve(ctx context.Context, tenantID, service, endpointPath, method string) (*Resolution, error) {
	bundle, err := r.bundle(ctx, tenantID, service, endpointPath)
	if err != nil {
		return nil, err
	}
	if len(bundle.Endpoints) == 0 {
		return nil, apierr.RouteNotFound(fmt.Sprintf("No endpoint of service %q matches path %q", service, normalizePath(endpointPath)))
	}

	var (
		match   *models.EndpointPolicy
		allowed []string
	)
	for i := range bundle.Endpoints {
		ep := &bundle.Endpoints[i]
		allowed = append(allowed, ep.Method)
		if match == nil && strings.EqualFold(ep.Method, method) {
			match = ep
		}
	}
	if match == nil {
		return &Resolution{Service: bundle.Service, Endpoint: bundle.Endpoints[0]},
			apierr.MethodMismatch(method, allowed)
	}

	res := &Resolution{Service: bundle.Service, Endpoint: *match}

	re, err := r.patterns.compile(patternFor(match))
	if err != nil {
		return res, fmt.Errorf("endpoint %s: %w", match.ID, err)
	}
	target, err := Substitute(re, JoinURL(bundle.Service.BaseURL, match.UpstreamURL), endpointPath)
	if err != nil {
		return res, err
	}
	res.UpstreamURL = target
	return res, nil
}

func (r *Resolver) bundle(ctx context.Context, tenantID, service, endpointPath string) (*models.RouteBundle, error) {
	key := cache.RouteKey(tenantID, service, endpointPath)

	var cached models.RouteBundle
	err := cache.GetJSON(ctx, r.cache, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		r.sink.CaptureException(ctx, err, logging.CacheKey(key))
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		bundle, err := r.load(ctx, tenantID, service, endpointPath)
		if err != nil {
			return nil, err
		}
		if len(bundle.Endpoints) > 0 {
			if err := cache.SetJSON(ctx, r.cache, key, bundle, cache.LookupTTL); err != nil {
				r.sink.CaptureException(ctx, err, logging.CacheKey(key))
			}
		}
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.RouteBundle), nil
}

func (r *Resolver) load(ctx context.Context, tenantID, service, endpointPath string) (*models.RouteBundle, error) {
	svc, endpoints, err := r.store.ServiceEndpoints(ctx, tenantID, service)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.RouteNotFound(fmt.Sprintf("Service %q not found", service))
	}
	if err != nil {
		return nil, fmt.Errorf("route lookup: %w", err)
	}

	path := normalizePath(endpointPath)
	bundle := &models.RouteBundle{Service: *svc}
	for _, ep := range endpoints {
		re, err := r.patterns.compile(patternFor(&ep))
		if err != nil {
			r.sink.CaptureException(ctx, err, logging.EndpointID(ep.ID), zap.String("pattern", ep.PathPattern))
			continue
		}
		if re.MatchString(path) {
			bundle.Endpoints = append(bundle.Endpoints, ep)
		}
	}
	return bundle, nil
}

func patternFor(ep *models.EndpointPolicy) string {
	if ep.PathPattern != "" {
		return ep.PathPattern
	}
	return CompilePattern(ep.Path)
}
