package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

// Draft is a message on its way to the store. Exactly one of GroupID and
// RecipientID is set.
type Draft struct {
	LocalID     string // echo placeholder id, for events and logs
	ClientKey   string
	GroupID     string
	SenderID    string
	RecipientID string
	Content     string
	CreatedAt   time.Time
}

func (d Draft) table() string {
	if d.RecipientID != "" {
		return store.TableDirectMessages
	}
	return store.TableMessages
}

func (d Draft) record() store.Record {
	rec := store.Record{
		"sender_id":  d.SenderID,
		"content":    d.Content,
		"client_key": d.ClientKey,
	}
	if d.RecipientID != "" {
		rec["recipient_id"] = d.RecipientID
	} else {
		rec["group_id"] = d.GroupID
	}
	if !d.CreatedAt.IsZero() {
		rec["created_at"] = d.CreatedAt.UnixMilli()
	}
	return rec
}

// SendFailed is the payload of bus.KindViewSendFailed.
type SendFailed struct {
	LocalID   string
	ClientKey string
	Err       string
}

// EchoConfirmed is the payload of bus.KindViewEchoConfirmed.
type EchoConfirmed struct {
	LocalID   string
	ClientKey string
	ID        string
}

// Sender writes drafts to the store. Writes are idempotent on the client
// key: a retry of a write that did commit returns the stored row.
type Sender struct {
	store  store.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewSender creates a new sender.
func NewSender(s store.Store, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:  s,
		bus:    b,
		logger: logger,
	}
}

// Send inserts d and returns the stored row.
func (s *Sender) Send(ctx context.Context, d Draft) (store.Record, error) {
	if strings.TrimSpace(d.Content) == "" {
		return nil, errors.New("draft has no content")
	}
	if d.ClientKey == "" {
		return nil, errors.New("draft has no client key")
	}

	rec, err := s.store.Insert(ctx, d.table(), d.record())
	if store.IsConflict(err) {
		// The key is only unique per row, so a conflict means an earlier
		// attempt already landed.
		rec, err = store.First(s.store.Query(ctx, d.table(), store.Eq("client_key", d.ClientKey), store.Order{}))
		if err == nil {
			s.logger.Info("send replay resolved to stored row",
				zap.String("client_key", d.ClientKey), zap.String("id", rec.String("id")))
		}
	}
	if err != nil {
		err = fmt.Errorf("send %s: %w", d.LocalID, err)
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_key", d.ClientKey))
		s.publish(bus.KindViewSendFailed, SendFailed{LocalID: d.LocalID, ClientKey: d.ClientKey, Err: err.Error()})
		return nil, err
	}

	s.logger.Debug("message sent", zap.String("local_id", d.LocalID), zap.String("id", rec.String("id")))
	s.publish(bus.KindViewEchoConfirmed, EchoConfirmed{LocalID: d.LocalID, ClientKey: d.ClientKey, ID: rec.String("id")})
	return rec, nil
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
