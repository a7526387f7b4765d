// Package model defines data structures shared by the workspace client and server.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionID identifies a conversation on the remote side. The zero value
// means no identity has been assigned yet.
type SessionID string

// IsZero reports whether no identity has been assigned.
func (id SessionID) IsZero() bool {
	return id == ""
}

func (id SessionID) String() string {
	return string(id)
}

// MarshalJSON encodes canonical integer ids as JSON numbers, anything else
// ("007", "+7") as a string, and the zero value as null.
func (id SessionID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON number, a JSON string or null.
func (id *SessionID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = SessionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("session id must be a number or string: %w", err)
	}
	*id = SessionID(n.String())
	return nil
}

// SessionIDFromInt formats a server-side integer id.
func SessionIDFromInt(n int64) SessionID {
	return SessionID(strconv.FormatInt(n, 10))
}

// Conversation is the active chat session as seen by the client.
type Conversation struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// SessionSummary is one entry of the stored-session listing.
type SessionSummary struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
