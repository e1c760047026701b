package reqcontext

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	assert.NotEqual(t, id1, id2, "Each correlation ID should be unique")
	_, err := uuid.Parse(id1)
	require.NoError(t, err)
}

func TestCorrelationID(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "run-123")
		assert.Equal(t, "run-123", GetCorrelationID(ctx))
		assert.Equal(t, "run-123", CorrelationIDOrNew(ctx))
	})

	t.Run("absent", func(t *testing.T) {
		assert.Empty(t, GetCorrelationID(context.TODO()))
		assert.NotEmpty(t, CorrelationIDOrNew(context.Background()))
	})
}

func TestRequestSource(t *testing.T) {
	assert.Equal(t, SourceUnknown, GetRequestSource(context.Background()))

	for _, source := range []RequestSource{SourceMCP, SourceCLI} {
		t.Run(string(source), func(t *testing.T) {
			ctx := WithRequestSource(context.Background(), source)
			assert.Equal(t, source, GetRequestSource(ctx))
		})
	}
}

func TestWithMetadata(t *testing.T) {
	parent := WithMetadata(context.Background(), SourceCLI)
	child := WithMetadata(parent, SourceMCP)

	assert.Equal(t, SourceCLI, GetRequestSource(parent))
	assert.Equal(t, SourceMCP, GetRequestSource(child))
	assert.NotEmpty(t, GetCorrelationID(child))
	assert.NotEqual(t, GetCorrelationID(parent), GetCorrelationID(child))
}
