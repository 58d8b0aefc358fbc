package streamstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/streamstore"
)

func TestStreamNames(t *testing.T) {
	assert.Equal(t, "$ce-order", streamstore.CategoryStream("order"))
	assert.Equal(t, "$et-OrderPlaced", streamstore.EventTypeStream("OrderPlaced"))

	assert.Equal(t, "order", streamstore.CategoryOf("order-42"))
	assert.Equal(t, "order", streamstore.CategoryOf("order-42-extra"))
	assert.Equal(t, "", streamstore.CategoryOf("inventory"))
	assert.Equal(t, "", streamstore.CategoryOf("-leading"))

	assert.True(t, streamstore.IsSystemStream("$all"))
	assert.True(t, streamstore.IsSystemStream("$ce-order"))
	assert.False(t, streamstore.IsSystemStream("order-42"))
}

func TestValidateStreamName(t *testing.T) {
	require.NoError(t, streamstore.ValidateStreamName("order-42"))

	var argErr *streamstore.ArgumentError
	require.ErrorAs(t, streamstore.ValidateStreamName(""), &argErr)
	require.ErrorAs(t, streamstore.ValidateStreamName("   "), &argErr)

	require.ErrorIs(t, streamstore.ValidateStreamName("$all"), streamstore.ErrAccessDenied)
	require.ErrorIs(t, streamstore.ValidateStreamName("$ce-order"), streamstore.ErrAccessDenied)
}

func TestDelimitedStreamNamer(t *testing.T) {
	namer := streamstore.DelimitedStreamNamer{}
	assert.Equal(t, "Order-42", namer.ForAggregate("Order", "42"))
	assert.Equal(t, "$ce-Order", namer.ForCategory("Order"))
	assert.Equal(t, "$et-OrderPlaced", namer.ForEventType("OrderPlaced"))

	// Aggregate streams produced by the namer land in the matching
	// category stream.
	assert.Equal(t, "Order", streamstore.CategoryOf(namer.ForAggregate("Order", "42")))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "OrderPlaced", streamstore.TypeName(OrderPlaced{}))
	assert.Equal(t, "OrderPlaced", streamstore.TypeName(&OrderPlaced{}))
	assert.Equal(t, "", streamstore.TypeName(nil))
}
