package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Label keys shared by the gateway instruments.
const (
	keyMethod   = "method"
	keyRoute    = "route"
	keyStatus   = "status"
	keyResult   = "result"
	keyLayer    = "layer"
	keyBackend  = "backend"
	keySource   = "source"
	keyEvent    = "event"
	keyUpstream = "upstream"
)

// labels builds a measurement option from alternating key/value pairs.
// Tenant codes and subject ids are never labels.
func labels(kv ...string) otelmetric.MeasurementOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return otelmetric.WithAttributes(set...)
}

func status(code int) string { return strconv.Itoa(code) }
