package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// config holds the options for instrumenting a connection or handler.
type config struct {
	// Attributes holds the default attributes for each span created by this middleware.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue
}

// Option configures the telemetry decorators.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithAttributes sets the default attributes for the spans created by the decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}

func newConfig(options ...Option) config {
	var cfg config
	for _, opt := range options {
		opt.apply(&cfg)
	}
	return cfg
}

func (c config) attributes(ctx context.Context) []attribute.KeyValue {
	attrs := c.Attributes
	if c.GetAttributes != nil {
		attrs = append(attrs[:len(attrs):len(attrs)], c.GetAttributes(ctx)...)
	}
	return attrs
}
