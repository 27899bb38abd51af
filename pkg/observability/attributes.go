package observability

import "go.opentelemetry.io/otel/attribute"

// ElicitationAttrs labels an elicitation span. Request content never becomes
// an attribute.
func ElicitationAttrs(serverID, mode, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("mcphost.server.id", serverID),
		attribute.String("mcphost.elicitation.mode", mode),
		attribute.String("mcphost.trust.tier", tier),
	}
}

// RenderAttrs labels a content rendering span.
func RenderAttrs(serverID, tier string, interactive bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("mcphost.server.id", serverID),
		attribute.String("mcphost.trust.tier", tier),
		attribute.Bool("mcphost.render.interactive", interactive),
	}
}
