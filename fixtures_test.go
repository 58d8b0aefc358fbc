package streamstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/terraskye/streamstore"
	"github.com/terraskye/streamstore/memory"
)

type OrderPlaced struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func (e *OrderPlaced) AggregateID() string { return e.ID }
func (e *OrderPlaced) EventType() string   { return "OrderPlaced" }

type OrderShipped struct {
	ID      string `json:"id"`
	Carrier string `json:"carrier"`
}

func (e *OrderShipped) AggregateID() string { return e.ID }
func (e *OrderShipped) EventType() string   { return "OrderShipped" }

// Order is the aggregate fixture used across the repository tests.
type Order struct {
	*streamstore.AggregateBase

	Total   int
	Shipped bool

	apply func(ctx context.Context, ev streamstore.Event)
}

func NewOrder(id string) *Order {
	o := &Order{AggregateBase: streamstore.NewAggregateBase(id)}
	o.apply = streamstore.Hydrate(
		streamstore.NewHydrateHandler(func(ctx context.Context, e *OrderPlaced) {
			o.Total = e.Total
		}),
		streamstore.NewHydrateHandler(func(ctx context.Context, e *OrderShipped) {
			o.Shipped = true
		}),
	)
	return o
}

func (o *Order) ApplyEvent(ctx context.Context, ev streamstore.Event) {
	o.apply(ctx, ev)
}

func (o *Order) Place(total int) {
	ev := &OrderPlaced{ID: o.EntityID(), Total: total}
	o.ApplyEvent(context.Background(), ev)
	o.AppendEvent(ev)
}

func (o *Order) Ship(carrier string) {
	ev := &OrderShipped{ID: o.EntityID(), Carrier: carrier}
	o.ApplyEvent(context.Background(), ev)
	o.AppendEvent(ev)
}

func newOrderRegistry() *streamstore.Registry {
	registry := streamstore.NewRegistry()
	registry.RegisterEvent(func() streamstore.Event { return &OrderPlaced{} })
	registry.RegisterEvent(func() streamstore.Event { return &OrderShipped{} })
	return registry
}

func newMemoryConnection(t *testing.T) *memory.Connection {
	t.Helper()
	conn := memory.NewConnection()
	require.NoError(t, conn.Connect())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
