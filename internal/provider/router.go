package provider

import (
	"context"
	"fmt"
)

// Router fans one Gateway surface out to per-vendor gateways, resolving the
// vendor from the model name. The resolve function is typically the model
// catalog's lookup.
type Router struct {
	resolve func(model string) (string, error)
	vendors map[string]Gateway
}

// NewRouter builds a routing gateway over named vendor gateways.
func NewRouter(resolve func(model string) (string, error), vendors map[string]Gateway) *Router {
	return &Router{resolve: resolve, vendors: vendors}
}

func (r *Router) vendorFor(model string) (Gateway, error) {
	name, err := r.resolve(model)
	if err != nil {
		return nil, err
	}
	vendor, ok := r.vendors[name]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for provider %q", name)
	}
	return vendor, nil
}

func (r *Router) Submit(ctx context.Context, model string, params map[string]any) (string, error) {
	vendor, err := r.vendorFor(model)
	if err != nil {
		return "", err
	}
	return vendor.Submit(ctx, model, params)
}

func (r *Router) Poll(ctx context.Context, req PollRequest) (PollResponse, error) {
	vendor, err := r.vendorFor(req.Model)
	if err != nil {
		return PollResponse{}, err
	}
	return vendor.Poll(ctx, req)
}
