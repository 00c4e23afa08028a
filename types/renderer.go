package types

import (
	"context"
)

// RenderOutput is what the external renderer produces for one key.
type RenderOutput struct {
	Payload     []byte
	ContentType string
}

// Renderer is the external collaborator that produces content for a key.
// It must be pure with respect to the store: rendering has no side effects
// on cached entries. Timeouts and error handling belong to the scheduler,
// not the renderer.
type Renderer interface {
	Render(ctx context.Context, key string, params map[string]string) (*RenderOutput, error)
}

// RenderFunc adapts a plain function to the Renderer interface.
type RenderFunc func(ctx context.Context, key string, params map[string]string) (*RenderOutput, error)

func (f RenderFunc) Render(ctx context.Context, key string, params map[string]string) (*RenderOutput, error) {
	return f(ctx, key, params)
}
