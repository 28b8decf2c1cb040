package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Detection events
	EventAnomalyDetected     EventType = "evaluation.anomaly"
	EventEnsembleDegraded    EventType = "ensemble.degraded"
	EventEnsembleUnavailable EventType = "ensemble.unavailable"
	EventModelRetrained      EventType = "model.retrained"
	EventRetrainFailed       EventType = "model.retrain_failed"

	// Narrative events
	EventNarrativeUnavailable EventType = "narrative.unavailable"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited step
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailure  Result = "failure"
	ResultDegraded Result = "degraded"
)

// Event represents a single audit event
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	// Source is the monitored application or component.
	Source    string `json:"source,omitempty"`
	AnomalyID string `json:"anomaly_id,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultSuccess,
		Metadata:  make(map[string]interface{}),
	}
}

// WithSource sets the monitored source
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithAnomalyID links the event to an anomaly record
func (e *Event) WithAnomalyID(id string) *Event {
	e.AnomalyID = id
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
