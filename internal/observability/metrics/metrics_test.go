package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsUnboundedLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("actor_id", "u-1"),
		attribute.String("permission", "member.invite"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("permission"), attrs[0].Key)
}

func TestRecordAuthzDecision(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "tenancy-test"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordAuthzDecision(ctx, "member.invite", true)
	m.RecordAuthzDecision(ctx, "member.invite", false)
	m.RecordAuthzDecision(ctx, "member.invite", false)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			if md.Name != "tenancy_authz_decisions_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				decision, _ := dp.Attributes.Value("decision")
				totals[decision.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), totals["allow"])
	assert.Equal(t, int64(2), totals["deny"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordInvitation(context.Background(), "created")
		m.RecordPermissionCache(context.Background(), true)
	})
}
