package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes tenancy domain instruments.
type Metrics struct {
	authzDecisions  metric.Int64Counter
	permissionCache metric.Int64Counter
	invitations     metric.Int64Counter
	joinRequests    metric.Int64Counter
	memberships     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metric instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenancy"
	}
	meter := provider.Meter(name)

	authzDecisions, err := meter.Int64Counter("tenancy_authz_decisions_total")
	if err != nil {
		return nil, err
	}
	permissionCache, err := meter.Int64Counter("tenancy_permission_cache_total")
	if err != nil {
		return nil, err
	}
	invitations, err := meter.Int64Counter("tenancy_invitations_total")
	if err != nil {
		return nil, err
	}
	joinRequests, err := meter.Int64Counter("tenancy_join_requests_total")
	if err != nil {
		return nil, err
	}
	memberships, err := meter.Int64Counter("tenancy_membership_changes_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		authzDecisions:  authzDecisions,
		permissionCache: permissionCache,
		invitations:     invitations,
		joinRequests:    joinRequests,
		memberships:     memberships,
	}, nil
}

// RecordAuthzDecision counts permission checks by permission and outcome.
func (m *Metrics) RecordAuthzDecision(ctx context.Context, permission string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	attrs := FilterAttributes(
		attribute.String("permission", strings.TrimSpace(permission)),
		attribute.String("decision", decision),
	)
	m.authzDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPermissionCache counts cache lookups as hit or miss.
func (m *Metrics) RecordPermissionCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.permissionCache.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", result))...))
}

// RecordInvitation counts invitation lifecycle events.
func (m *Metrics) RecordInvitation(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.invitations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJoinRequest counts join request lifecycle events.
func (m *Metrics) RecordJoinRequest(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.joinRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMembershipChange counts membership mutations by scope and kind.
func (m *Metrics) RecordMembershipChange(ctx context.Context, scope, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("scope", strings.TrimSpace(scope)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.memberships.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Tenant and actor ids are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"permission": {},
	"decision":   {},
	"result":     {},
	"scope":      {},
	"event_type": {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
