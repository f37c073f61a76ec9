package stream

import (
	"encoding/base64"
	"encoding/json"
)

// EventKind discriminates decoded inbound messages.
type EventKind int

const (
	// EventIgnored is a well-formed message the pipeline does not act on,
	// such as a mark, a dtmf digit or media from the outbound track.
	EventIgnored EventKind = iota
	EventConnected
	EventStreamStarted
	EventAudio
	EventStreamStopped
)

// String returns the protocol name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStreamStarted:
		return "start"
	case EventAudio:
		return "media"
	case EventStreamStopped:
		return "stop"
	default:
		return "ignored"
	}
}

// Event is one decoded inbound message.
type Event struct {
	Kind EventKind

	// StreamSID is the provider stream handle. Set on start; media and stop
	// carry it when the provider includes it.
	StreamSID string

	// Audio holds the decoded mu-law bytes of a media event.
	Audio []byte
}

// wireMessage is the media-stream JSON envelope. Only the fields the
// pipeline uses are declared.
type wireMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// Decode turns one raw inbound message into an [Event]. It is a pure
// function; failures are returned as *[DecodeError].
func Decode(raw []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, &DecodeError{Reason: "invalid_json", Err: err}
	}

	switch msg.Event {
	case "":
		return Event{}, &DecodeError{Reason: "missing_event"}

	case "connected":
		return Event{Kind: EventConnected}, nil

	case "start":
		sid := msg.StreamSID
		if msg.Start != nil && msg.Start.StreamSID != "" {
			sid = msg.Start.StreamSID
		}
		if sid == "" {
			return Event{}, &DecodeError{Reason: "missing_stream_sid", Event: msg.Event}
		}
		return Event{Kind: EventStreamStarted, StreamSID: sid}, nil

	case "media":
		if msg.Media == nil {
			return Event{}, &DecodeError{Reason: "missing_media", Event: msg.Event}
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return Event{Kind: EventIgnored, StreamSID: msg.StreamSID}, nil
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Event{}, &DecodeError{Reason: "invalid_base64", Event: msg.Event, Err: err}
		}
		if len(audio) == 0 {
			return Event{}, &DecodeError{Reason: "empty_payload", Event: msg.Event}
		}
		return Event{Kind: EventAudio, StreamSID: msg.StreamSID, Audio: audio}, nil

	case "stop":
		return Event{Kind: EventStreamStopped, StreamSID: msg.StreamSID}, nil

	case "mark", "dtmf":
		return Event{Kind: EventIgnored, StreamSID: msg.StreamSID}, nil

	default:
		return Event{}, &DecodeError{Reason: "unknown_event", Event: msg.Event}
	}
}
