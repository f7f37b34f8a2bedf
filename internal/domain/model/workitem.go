package model

import "time"

// WorkState is the per-work-item state machine spec.md §4.D describes:
// Queued -> Running -> ResponseReady -> Sent | Dropped.
type WorkState int8

const (
	WorkQueued WorkState = iota
	WorkRunning
	WorkResponseReady
	WorkSent
	WorkDropped
)

// WorkItem is the internal unit of work created by the Dispatcher on
// ingress and destroyed once a response has been enqueued on the Outbox.
type WorkItem struct {
	RequestID  string
	Kind       HandlerKind
	HandlerKey string
	Entity     *Entity
	Deadline   time.Time
	State      WorkState
}

// Response is the outcome of invoking a handler, ready to be marshaled back
// onto the outbound stream by the Outbox.
type Response struct {
	RequestID string
	// Kind tells the transport layer which response frame shape to build
	// (EntityProcessorCalculationResponse vs EntityCriteriaCalculationResponse).
	Kind         HandlerKind
	Success      bool
	Payload      map[string]any
	Matches      bool
	HasMatches   bool
	ErrorKind    ErrorKind
	ErrorMessage string
	// RetryAfterMillis is set only on ErrorKindOverloaded responses — a hint
	// to the platform, not a guaranteed contract.
	RetryAfterMillis *int64
}
