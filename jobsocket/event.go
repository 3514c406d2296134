package jobsocket

import (
	"encoding/json"
	"fmt"
)

// Event types published by the job service.
const (
	TypeProgress  = "job.progress"
	TypeCompleted = "job.completed"
	TypeFailed    = "job.failed"
)

// Event is one inbound message: a type tag and an opaque payload.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("jobsocket: %s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("jobsocket: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Progress is the payload of a job.progress event.
type Progress struct {
	JobID    int64   `json:"jobId"`
	Progress float64 `json:"progress"`
	Phase    string  `json:"phase"`
	Message  string  `json:"message"`
}

// Completed is the payload of a job.completed event.
type Completed struct {
	JobID       int64  `json:"jobId"`
	DownloadURL string `json:"downloadUrl"`
	Checksum    string `json:"checksum"`
	ResultURI   string `json:"resultUri,omitempty"`
}

// Failed is the payload of a job.failed event.
type Failed struct {
	JobID        int64  `json:"jobId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// parseEvent decodes a frame; an event without a type is malformed.
func parseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}
