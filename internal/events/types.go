// Package events provides event types and utilities for the PairReview
// integration event system. These events announce session lifecycle changes
// to sibling services (review analysis, GitHub sync); they are distinct from
// the per-session streaming events the bridges emit.
package events

// Event types for agent sessions
const (
	SessionCreated = "pairreview.session.created"
	SessionClosed  = "pairreview.session.closed"
	SessionErrored = "pairreview.session.errored"
	SessionResumed = "pairreview.session.resumed"
)

// Event types for session turns
const (
	TurnCompleted = "pairreview.session.turn_completed"
)

// Source is the event source identifier for this service.
const Source = "pairreview-session-core"
