package push

import (
	"context"

	"github.com/propolis-net/relay/internal/model"
)

// Provider is the external push-notification service — an external
// collaborator per spec.md §6. The core only defines the shape of the
// call: a content-free wake so the provider never learns who sent
// what, preserving zero-knowledge at the push edge.
type Provider interface {
	Dispatch(ctx context.Context, token string) (model.PushOutcome, error)
}

// NopProvider discards every dispatch and reports success. Useful for
// local development and for tests that exercise the lease/retry state
// machine without a real push provider.
type NopProvider struct{}

func (NopProvider) Dispatch(ctx context.Context, token string) (model.PushOutcome, error) {
	return model.PushSuccess, nil
}
