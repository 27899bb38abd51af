package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts security-relevant events of the pipeline. A nil *Metrics
// records nothing.
type Metrics struct {
	created    metric.Int64Counter
	outcomes   metric.Int64Counter
	trustOps   metric.Int64Counter
	sanitized  metric.Int64Counter
	channelRej metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.created, err = meter.Int64Counter("mcphost.elicitations.created",
		metric.WithDescription("Elicitation requests created"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("mcphost.elicitations.outcomes",
		metric.WithDescription("Elicitation resolve attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.trustOps, err = meter.Int64Counter("mcphost.trust.mutations",
		metric.WithDescription("Committed trust store mutations"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}
	if m.sanitized, err = meter.Int64Counter("mcphost.content.sanitized",
		metric.WithDescription("Rendered content altered by sanitisation"),
		metric.WithUnit("{document}"),
	); err != nil {
		return nil, err
	}
	if m.channelRej, err = meter.Int64Counter("mcphost.channel.rejections",
		metric.WithDescription("Secure channel submissions rejected"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Metrics returns the pipeline instruments on the provider's meter.
func (p *Provider) Metrics() (*Metrics, error) {
	return NewMetrics(p.Meter())
}

func (m *Metrics) ElicitationCreated(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) ElicitationOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// TrustMutation matches the trust store observer signature.
func (m *Metrics) TrustMutation(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.trustOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) ContentSanitized(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.sanitized.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *Metrics) ChannelRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.channelRej.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
