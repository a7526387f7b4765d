package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

const (
	// StreamName is the name of the chat turn stream.
	StreamName = "WORKSPACE_SESSIONS"

	// SubjectPrefix is the prefix for all session subjects.
	SubjectPrefix = "workspace.sessions"

	fetchBatch = 256
)

// turnRecord is the payload of one archived turn.
type turnRecord struct {
	Title     string          `json:"title"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []model.Message `json:"messages"`
}

// TurnArchive stores chat turns on a JetStream stream, one subject per
// session.
type TurnArchive struct {
	client *Client
}

// NewTurnArchive creates a turn archive.
func NewTurnArchive(client *Client) *TurnArchive {
	return &TurnArchive{client: client}
}

// EnsureStream ensures the session stream exists with proper configuration.
func (a *TurnArchive) EnsureStream(ctx context.Context) error {
	js := a.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		Description: "Workspace chat turns",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	a.client.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

// SessionSubject returns the subject holding one session's turns. Owners are
// encoded so addresses with dots stay a single subject token.
func SessionSubject(owner string, id model.SessionID) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, base64.RawURLEncoding.EncodeToString([]byte(owner)), id)
}

// AppendTurn publishes the messages of one turn.
func (a *TurnArchive) AppendTurn(ctx context.Context, owner string, session model.SessionSummary, msgs []model.Message) error {
	data, err := json.Marshal(turnRecord{Title: session.Title, UpdatedAt: session.UpdatedAt, Messages: msgs})
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := a.client.JetStream().Publish(ctx, SessionSubject(owner, session.ID), data); err != nil {
		return fmt.Errorf("failed to publish turn: %w", err)
	}
	return nil
}

// LoadSession replays a session's turns. found is false when the session has
// no archived turns for owner.
func (a *TurnArchive) LoadSession(ctx context.Context, owner string, id model.SessionID) (model.Conversation, bool, error) {
	consumer, err := a.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     SessionSubject(owner, id),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("failed to read consumer info: %w", err)
	}
	pending := int(info.NumPending)
	if pending == 0 {
		return model.Conversation{}, false, nil
	}

	conv := model.Conversation{ID: id, Messages: []model.Message{}}
	for read := 0; read < pending; {
		batch, err := consumer.Fetch(min(fetchBatch, pending-read), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return model.Conversation{}, false, fmt.Errorf("failed to fetch turns: %w", err)
		}

		got := 0
		for msg := range batch.Messages() {
			got++
			var rec turnRecord
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				a.client.logger.Warn("skipping malformed turn", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}
			conv.Title = rec.Title
			conv.UpdatedAt = rec.UpdatedAt
			conv.Messages = append(conv.Messages, rec.Messages...)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return model.Conversation{}, false, fmt.Errorf("batch error: %w", err)
		}
		if got == 0 {
			break
		}
		read += got
	}
	return conv, true, nil
}

// LastSessionID returns the highest archived session id, or 0.
func (a *TurnArchive) LastSessionID(ctx context.Context) (int64, error) {
	stream, err := a.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(SubjectPrefix+".>"))
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info: %w", err)
	}

	var last int64
	for subject := range info.State.Subjects {
		n, err := strconv.ParseInt(subject[strings.LastIndexByte(subject, '.')+1:], 10, 64)
		if err == nil && n > last {
			last = n
		}
	}
	return last, nil
}
