package model

// FrameType is the discriminator of a streamed chat frame.
type FrameType string

const (
	FrameSession FrameType = "session"
	FrameText    FrameType = "text"
	FrameSources FrameType = "sources"
	FrameError   FrameType = "error"
)

// DoneSentinel is the payload that marks the end of a chat stream.
const DoneSentinel = "[DONE]"

// StreamFrame is the JSON payload carried by one "data: " line of the chat
// stream. Which fields are meaningful depends on Type.
type StreamFrame struct {
	Type      FrameType        `json:"type"`
	SessionID SessionID        `json:"session_id,omitempty"`
	Title     string           `json:"title,omitempty"`
	Text      string           `json:"text,omitempty"`
	Sources   []SourceCitation `json:"sources,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// ErrorBody is the JSON body returned with non-success responses.
type ErrorBody struct {
	Detail string `json:"detail"`
}
