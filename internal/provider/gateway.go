// Package provider defines the uniform contract toward external generation
// vendors. Every vendor-specific protocol is hidden behind Gateway: one call
// to submit work, one call to poll it.
package provider

import "context"

// Task status values reported by a provider.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ResultItem is one provider-hosted artifact: a URL valid for download plus
// the artifact kind (image, video, audio, music).
type ResultItem struct {
	URL  string         `json:"url"`
	Kind string         `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// PollRequest identifies an externalized task for polling.
type PollRequest struct {
	Model      string
	ExternalID string
	Params     map[string]any
}

// PollResponse is the uniform poll outcome.
type PollResponse struct {
	Status string
	Data   []ResultItem
	Error  string
	Raw    map[string]any // vendor payload, kept for cost settlement
}

// Terminal reports whether the response carries a terminal status.
func (r PollResponse) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Gateway submits generation work to an external vendor and polls it.
//
// Submit returns the vendor-assigned external task id; a returned error means
// the vendor rejected the work. Poll errors are classified via
// internal/errors: transient ones are retried by the caller within its
// timeout budget, permanent ones terminate the task.
type Gateway interface {
	Submit(ctx context.Context, model string, params map[string]any) (string, error)
	Poll(ctx context.Context, req PollRequest) (PollResponse, error)
}
