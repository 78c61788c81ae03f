package metrics

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var sensitiveMetricKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
	"phone",
}

// FilterAttributes drops attributes with sensitive keys before they reach
// an instrument.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveMetricKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

func isSensitiveMetricKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveMetricKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
