package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	_, cid := EnsureCorrelationID(context.Background())
	assert.Len(t, cid, 26)
}

func TestDetachDropsCancellation(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = ContextWithCorrelationID(parent, "cid-2")
	parent = ContextWithRemoteSpan(parent, "0af7651916cd43dd8448eb211c80319c", "b7ad6b7169203331")
	cancel()

	detached := Detach(parent)
	require.NoError(t, detached.Err())
	assert.Equal(t, "cid-2", ExtractCorrelationID(detached))
	assert.True(t, trace.SpanContextFromContext(detached).IsValid())
}
