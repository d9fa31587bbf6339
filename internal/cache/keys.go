package cache

import "time"

// Key namespaces. Each purpose owns one so that prefix deletes never cross.
const (
	NamespaceAPIKey   = "apikey:"
	NamespaceRoute    = "route:"
	NamespaceResponse = "res:"
)

// LookupTTL applies to api key and route entries.
const LookupTTL = 24 * time.Hour

func APIKeyKey(keyHash string) string {
	return NamespaceAPIKey + keyHash
}

func RouteKey(tenantID, service, endpoint string) string {
	return RoutePrefix(tenantID, service) + endpoint
}

// RoutePrefix covers every cached route of one service.
func RoutePrefix(tenantID, service string) string {
	return NamespaceRoute + tenantID + ":" + service + ":"
}

func ResponseKey(endpointID, rawQuery string) string {
	return ResponsePrefix(endpointID) + rawQuery
}

func ResponsePrefix(endpointID string) string {
	return NamespaceResponse + endpointID + ":"
}
