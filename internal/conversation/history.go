package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

// HistoryLoader performs the one-time fetch of a conversation.
type HistoryLoader struct {
	store    store.Store
	profiles ProfileSource
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHistoryLoader creates a loader. profiles defaults to reading the store.
func NewHistoryLoader(s store.Store, profiles ProfileSource, m *metrics.Metrics, logger *zap.Logger) *HistoryLoader {
	if profiles == nil {
		profiles = NewStoreProfiles(s)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryLoader{store: s, profiles: profiles, metrics: m, logger: logger}
}

// Load returns every message of key in ascending order, with sender
// profiles resolved. For direct conversations, unread messages addressed to
// viewer are marked read with a single update before returning; a failure
// there is logged and does not fail the load.
func (h *HistoryLoader) Load(ctx context.Context, key Key, viewer string) ([]Message, error) {
	start := time.Now()
	msgs, err := h.load(ctx, key, viewer)
	h.metrics.HistoryLoaded(key.Kind.String(), err, time.Since(start).Seconds())
	if err != nil {
		h.logger.Error("history load failed", zap.Stringer("conversation", key), zap.Error(err))
		return nil, err
	}
	return msgs, nil
}

func (h *HistoryLoader) load(ctx context.Context, key Key, viewer string) ([]Message, error) {
	if !key.Includes(viewer) {
		return nil, ErrNotParticipant
	}
	recs, err := h.store.Query(ctx, key.Table(), historyFilter(key, viewer), store.Ascending("created_at"))
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", key, err)
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.String("sender_id"))
	}
	profiles, err := h.profiles.Profiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve senders %s: %w", key, err)
	}

	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, FromRecord(key.Kind, rec, profiles[rec.String("sender_id")]))
	}

	if key.Kind == Direct {
		h.markRead(ctx, msgs, viewer)
	}
	return msgs, nil
}

func (h *HistoryLoader) markRead(ctx context.Context, msgs []Message, viewer string) {
	var unread []string
	for _, m := range msgs {
		if m.RecipientID == viewer && !m.Read {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 {
		return
	}
	_, err := h.store.Update(ctx, store.TableDirectMessages, store.In("id", unread...), store.Patch{"read": true})
	h.metrics.ReadConfirmed(len(unread), err)
	if err != nil {
		h.logger.Warn("mark history read failed", zap.Int("count", len(unread)), zap.Error(err))
		return
	}
	marked := make(map[string]bool, len(unread))
	for _, id := range unread {
		marked[id] = true
	}
	for i := range msgs {
		if marked[msgs[i].ID] {
			msgs[i].Read = true
		}
	}
}

// historyFilter matches a room, or both directions of a direct pair.
func historyFilter(key Key, viewer string) store.Filter {
	if key.Kind == Room {
		return store.Eq("group_id", key.RoomID)
	}
	peer := key.Peer(viewer)
	return store.Or(
		store.And(store.Eq("sender_id", viewer), store.Eq("recipient_id", peer)),
		store.And(store.Eq("sender_id", peer), store.Eq("recipient_id", viewer)),
	)
}
