package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
)

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.Default().Observability, "1.2.3")
	require.Equal(t, "mcphost", c.ServiceName)
	require.Equal(t, "1.2.3", c.ServiceVersion)
	require.Equal(t, "localhost:4317", c.Endpoint)
	require.True(t, c.Insecure)
	require.False(t, c.Enabled)
	require.Equal(t, 1.0, c.SampleRate)
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	m, err := p.Metrics()
	require.NoError(t, err)
	m.ElicitationCreated(context.Background(), "form")

	_, finish := p.TrackOperation(context.Background(), "http.api")
	finish(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledResource(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{
		ServiceName:    "mcphost-test",
		ServiceVersion: "9.9.9",
		Enabled:        true,
		SampleRate:     1,
		reader:         sdkmetric.NewManualReader(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

func TestTrackOperation_RecordsRequests(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := New(ctx, Config{ServiceName: "mcphost-test", Enabled: true, SampleRate: 1, reader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	attrs := []attribute.KeyValue{attribute.String("mcphost.surface", "secure")}
	_, finish := p.TrackOperation(ctx, "http.secure", attrs...)
	finish(nil)
	_, finish = p.TrackOperation(ctx, "http.secure", attrs...)
	finish(errors.New("status 500"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Equal(t, map[string]int64{"secure": 2}, sumByAttr(t, rm, "mcphost.http.requests", "mcphost.surface"))
	require.Equal(t, map[string]int64{"secure": 1}, sumByAttr(t, rm, "mcphost.http.failures", "mcphost.surface"))
}

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_RecordsPipelineEvents(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	m.ElicitationCreated(ctx, "form")
	m.ElicitationCreated(ctx, "form")
	m.ElicitationCreated(ctx, "url")
	m.ElicitationOutcome(ctx, "resolved")
	m.ElicitationOutcome(ctx, "replay")
	m.TrustMutation(ctx, "trust")
	m.ContentSanitized(ctx, "unverified")
	m.ChannelRejected(ctx, "not_permitted")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	require.Equal(t, map[string]int64{"form": 2, "url": 1}, sumByAttr(t, rm, "mcphost.elicitations.created", "mode"))
	require.Equal(t, map[string]int64{"resolved": 1, "replay": 1}, sumByAttr(t, rm, "mcphost.elicitations.outcomes", "outcome"))
	require.Equal(t, map[string]int64{"trust": 1}, sumByAttr(t, rm, "mcphost.trust.mutations", "op"))
	require.Equal(t, map[string]int64{"unverified": 1}, sumByAttr(t, rm, "mcphost.content.sanitized", "tier"))
	require.Equal(t, map[string]int64{"not_permitted": 1}, sumByAttr(t, rm, "mcphost.channel.rejections", "reason"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ElicitationCreated(context.Background(), "form")
	m.TrustMutation(context.Background(), "trust")
}
