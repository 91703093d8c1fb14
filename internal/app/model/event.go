package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags a tracking event on the wire.
type EventKind string

const (
	KindPageView      EventKind = "page_view"
	KindSessionStart  EventKind = "session_start"
	KindSessionUpdate EventKind = "session_update"
	KindSessionEnd    EventKind = "session_end"
)

// Event is one of PageViewEvent, SessionStartEvent, SessionUpdateEvent or
// SessionEndEvent.
type Event interface {
	Kind() EventKind
}

// Visit is an admitted request after classification and anonymization.
// It holds hashes in place of the raw session identifier and client address,
// and no user agent.
type Visit struct {
	URL         string         `json:"url"`
	Path        string         `json:"path"`
	Referrer    string         `json:"referrer,omitempty"`
	SessionHash string         `json:"session_hash"`
	IPHash      string         `json:"ip_hash,omitempty"`
	UserID      *uint64        `json:"user_id,omitempty"`
	Device      DeviceInfo     `json:"device"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// PageViewEvent records a single page view.
type PageViewEvent struct {
	Visit          Visit `json:"visit"`
	ResponseTimeMs *int  `json:"response_time_ms,omitempty"`
	PageLoadTimeMs *int  `json:"page_load_time_ms,omitempty"`
}

// SessionStartEvent opens a session at the visit's path.
type SessionStartEvent struct {
	Visit Visit `json:"visit"`
}

// SessionUpdateEvent advances an open session, optionally closing it.
type SessionUpdateEvent struct {
	SessionHash string `json:"session_hash"`
	Path        string `json:"path"`
	End         bool   `json:"end,omitempty"`
}

// SessionEndEvent closes a session.
type SessionEndEvent struct {
	SessionHash string `json:"session_hash"`
	ExitPage    string `json:"exit_page,omitempty"`
}

func (PageViewEvent) Kind() EventKind      { return KindPageView }
func (SessionStartEvent) Kind() EventKind  { return KindSessionStart }
func (SessionUpdateEvent) Kind() EventKind { return KindSessionUpdate }
func (SessionEndEvent) Kind() EventKind    { return KindSessionEnd }

const (
	TrackingStreamName     = "TRACKING"
	TrackingStreamSubject  = "tracking.events"
	TrackingConsumerName   = "tracking-recorder"
	TrackingStreamMaxBytes = 1024 * 1024 * 100 // 100MB
	TrackingStreamMaxAge   = 24 * time.Hour
)

// EventEnvelope is the JSON form of an Event published to JetStream.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Wrap encodes ev into an envelope.
func Wrap(id string, ev Event, at time.Time) (EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{ID: id, Kind: ev.Kind(), Timestamp: at, Payload: payload}, nil
}

// Unwrap decodes the envelope payload into its concrete event.
func (e EventEnvelope) Unwrap() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch e.Kind {
	case KindPageView:
		var v PageViewEvent
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case KindSessionStart:
		var v SessionStartEvent
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case KindSessionUpdate:
		var v SessionUpdateEvent
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case KindSessionEnd:
		var v SessionEndEvent
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", e.Kind, err)
	}
	return ev, nil
}
