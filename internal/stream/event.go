package stream

import (
	"encoding/json"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

// Event is one domain event interpreted from a frame. It is a closed set:
// SessionAssigned, TextDelta, SourcesAttached, Failed and Ignored.
type Event interface {
	// Kind names the event for logs and metrics.
	Kind() string
	isEvent()
}

// SessionAssigned carries the remote conversation identity.
type SessionAssigned struct {
	ID    model.SessionID
	Title string
}

// TextDelta carries the next piece of assistant text.
type TextDelta struct {
	Text string
}

// SourcesAttached carries the complete citation list for the turn.
type SourcesAttached struct {
	Sources []model.SourceCitation
}

// Failed carries a remote error that ends the turn.
type Failed struct {
	Message string
}

// Ignored is a frame that carries nothing to apply: the end sentinel, a
// payload that does not parse, or an unknown type.
type Ignored struct {
	Reason string
}

// Reasons reported by Ignored.
const (
	ReasonDone       = "done"
	ReasonMalformed  = "malformed"
	ReasonUnknown    = "unknown_type"
	ReasonIncomplete = "incomplete"
)

func (SessionAssigned) Kind() string { return "session" }
func (TextDelta) Kind() string       { return "text" }
func (SourcesAttached) Kind() string { return "sources" }
func (Failed) Kind() string          { return "error" }
func (Ignored) Kind() string         { return "ignored" }

func (SessionAssigned) isEvent() {}
func (TextDelta) isEvent()       {}
func (SourcesAttached) isEvent() {}
func (Failed) isEvent()          {}
func (Ignored) isEvent()         {}

// GenericFailure is used when an error frame carries no message.
const GenericFailure = "The assistant could not complete this response."

// Interpret maps one frame payload to a domain event. It never fails:
// anything that cannot be applied comes back as Ignored.
func Interpret(frame string) Event {
	if frame == model.DoneSentinel {
		return Ignored{Reason: ReasonDone}
	}

	var payload model.StreamFrame
	if err := json.Unmarshal([]byte(frame), &payload); err != nil {
		return Ignored{Reason: ReasonMalformed}
	}

	switch payload.Type {
	case model.FrameSession:
		if payload.SessionID.IsZero() {
			return Ignored{Reason: ReasonIncomplete}
		}
		return SessionAssigned{ID: payload.SessionID, Title: payload.Title}
	case model.FrameText:
		return TextDelta{Text: payload.Text}
	case model.FrameSources:
		sources := payload.Sources
		if sources == nil {
			sources = []model.SourceCitation{}
		}
		for i := range sources {
			if sources[i].SourceType == "" {
				sources[i].SourceType = model.SourcePersonal
			}
		}
		return SourcesAttached{Sources: sources}
	case model.FrameError:
		msg := payload.Message
		if msg == "" {
			msg = GenericFailure
		}
		return Failed{Message: msg}
	default:
		return Ignored{Reason: ReasonUnknown}
	}
}
