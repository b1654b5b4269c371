package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sardis-hq/sardis/pkg/provider"
)

// DispatchObserver adapts the provider metrics onto the router's Observer
// seam.
type DispatchObserver struct {
	p *Provider
}

// NewDispatchObserver wraps the provider.
func NewDispatchObserver(p *Provider) *DispatchObserver { return &DispatchObserver{p: p} }

// DispatchAttempt implements provider.Observer.
func (o *DispatchObserver) DispatchAttempt(ctx context.Context, adapterKey string, classification provider.Classification, elapsed time.Duration) {
	if o.p.dispatchCounter != nil {
		o.p.dispatchCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("adapter", adapterKey),
			attribute.String("classification", string(classification)),
		))
	}
	if o.p.dispatchDuration != nil {
		o.p.dispatchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("adapter", adapterKey),
		))
	}
}

// FailoverSuccess implements provider.Observer.
func (o *DispatchObserver) FailoverSuccess(ctx context.Context, adapterKey string) {
	if o.p.failoverCounter != nil {
		o.p.failoverCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("adapter", adapterKey),
		))
	}
}

// IngressObserver adapts the webhook metrics onto the ingress Observer seam.
type IngressObserver struct {
	p *Provider
}

// NewIngressObserver wraps the provider.
func NewIngressObserver(p *Provider) *IngressObserver { return &IngressObserver{p: p} }

// DeliveryProcessed implements webhook.Observer.
func (o *IngressObserver) DeliveryProcessed(ctx context.Context, providerName, outcome string) {
	if o.p.deliveryCounter != nil {
		o.p.deliveryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerName),
			attribute.String("outcome", outcome),
		))
	}
}

// DuplicateSuppressed implements webhook.Observer.
func (o *IngressObserver) DuplicateSuppressed(ctx context.Context, providerName string) {
	if o.p.duplicateCounter != nil {
		o.p.duplicateCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerName),
		))
	}
}
