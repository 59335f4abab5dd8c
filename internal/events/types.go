// Package events defines the event vocabulary of the hub: type constants,
// bus subjects, and the classification of raw app-server envelopes into
// display-ready entries.
package events

// Flow lifecycle event types, published on the run's subject.
const (
	FlowStarted   = "flow_started"
	FlowCompleted = "flow_completed"
	FlowFailed    = "flow_failed"
	FlowStopped   = "flow_stopped"
	FlowPaused    = "flow_paused"
	FlowResumed   = "flow_resumed"
	FlowArchived  = "flow_archived"
)

// Run progress event types.
const (
	StepStarted       = "step_started"
	AgentStreamDelta  = "agent_stream_delta"
	AppServerEventMsg = "app_server_event"
	HandoffDispatched = "handoff_dispatched"
)

// Stream marker event types. EventsDropped precedes the next delivery after
// a subscriber overflowed; StreamEnd closes a run stream after a terminal
// transition.
const (
	EventsDropped = "events_dropped"
	StreamEnd     = "stream_end"
)

// Hub notification event types.
const (
	TicketsChanged       = "tickets_changed"
	ChatInbound          = "chat_inbound"
	SessionStatusChanged = "session_status_changed"
)

// PMA web delivery event type, published on the pma.web subject.
const PMADelivery = "pma_delivery"

// Bus subjects. Run streams get one subject per run id.
const (
	SubjectHubNotifications = "hub.notifications"
	SubjectPMAWeb           = "pma.web"
)

// RunSubject returns the bus subject carrying one run's ordered stream.
func RunSubject(runID string) string {
	return "flow.run." + runID
}

// SubjectAllRuns matches every run stream.
const SubjectAllRuns = "flow.run.>"
