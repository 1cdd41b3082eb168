package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tokencart telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation differentiates engine or gateway operations (reserve, commit, upsert_cart_line, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, insufficient_stock, ...).
	AttrResult = attribute.Key("result")
	// AttrMutationKind labels sync coordinator metrics with the durability write kind.
	AttrMutationKind = attribute.Key("mutation.kind")
	// AttrTicketState captures reservation ticket transitions.
	AttrTicketState = attribute.Key("ticket.state")
	// AttrCacheOutcome distinguishes hit, miss and stale cache lookups.
	AttrCacheOutcome = attribute.Key("cache.outcome")
	// AttrItemOutcome labels bulk add per-item outcomes.
	AttrItemOutcome = attribute.Key("item.outcome")
	// AttrHTTPRoute is the matched route template, never the raw path.
	AttrHTTPRoute = attribute.Key("http.route")
	// AttrHTTPMethod is the request method.
	AttrHTTPMethod = attribute.Key("http.request.method")
	// AttrHTTPStatus is the response status code.
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// Result values shared across components.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// MutationAttributes returns attributes for sync coordinator metrics.
func MutationAttributes(kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrMutationKind.String(kind),
		AttrResult.String(result),
	}
}

// TicketAttributes returns attributes for reservation state transitions.
func TicketAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTicketState.String(state),
	}
}

// CacheAttributes returns attributes for snapshot cache lookups.
func CacheAttributes(outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrCacheOutcome.String(outcome),
	}
}

// ItemOutcomeAttributes returns attributes for bulk add outcomes.
func ItemOutcomeAttributes(outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrItemOutcome.String(outcome),
	}
}

// HTTPAttributes returns attributes for request metrics.
func HTTPAttributes(method, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
		AttrHTTPStatus.Int(status),
	}
}
