package eino

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithWorkflowProvider(t *testing.T) {
	ctx := WithWorkflowProvider(context.Background(), "extract", "qwen")

	assert.Equal(t, "extract", WorkflowFromContext(ctx))
	assert.Equal(t, "qwen", ProviderFromContext(ctx))
}

func TestWorkflowProviderDefaults(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "unknown", WorkflowFromContext(ctx))
	assert.Equal(t, "unknown", ProviderFromContext(ctx))
}
