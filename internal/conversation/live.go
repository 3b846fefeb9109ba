package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

// Deliver receives a fully resolved push event together with the binding it
// was resolved for.
type Deliver func(b *Binding, m Message)

// Live opens push channels for conversation views.
type Live struct {
	store    store.Store
	profiles ProfileSource
	metrics  *metrics.Metrics
	logger   *zap.Logger
	queue    int
}

// NewLive creates a subscription manager. profiles defaults to reading the
// store.
func NewLive(s store.Store, profiles ProfileSource, m *metrics.Metrics, logger *zap.Logger) *Live {
	if profiles == nil {
		profiles = NewStoreProfiles(s)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Live{store: s, profiles: profiles, metrics: m, logger: logger, queue: 64}
}

// Binding ties one open channel to the (conversation, viewer) identity it
// was opened for. A view compares bindings by pointer to decide whether a
// resolved event still belongs to it.
type Binding struct {
	key    Key
	viewer string
	peer   Profile

	ch     store.Channel
	ctx    context.Context
	cancel context.CancelFunc
	events chan store.Change
	once   sync.Once
	live   *Live

	mu  sync.Mutex
	err error
}

// Key returns the conversation the binding was opened for.
func (b *Binding) Key() Key { return b.key }

// Viewer returns the viewer the binding was opened for.
func (b *Binding) Viewer() string { return b.viewer }

// Name returns the channel name.
func (b *Binding) Name() string { return b.ch.Name() }

// Done is closed once the binding is closed, by its owner or because the
// channel behind it ended.
func (b *Binding) Done() <-chan struct{} { return b.ctx.Done() }

// Err reports why the channel ended, or nil when the owner closed it.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// lost closes the binding on behalf of a channel that ended by itself.
func (b *Binding) lost(err error) {
	if err == nil {
		err = store.ErrChannelEnded
	}
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	b.live.logger.Warn("live channel lost", zap.String("channel", b.ch.Name()), zap.Error(err))
	_ = b.Close()
}

// Close tears the channel down. It returns immediately; resolutions still in
// flight finish on their own and are discarded.
func (b *Binding) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.ch.Close()
		b.live.metrics.ChannelClosed()
		b.live.logger.Debug("live channel closed", zap.String("channel", b.ch.Name()))
	})
	return err
}

// Open subscribes to new messages of key addressed to viewer and hands each
// one to deliver once its row and sender are resolved. Rooms match on the
// room id; direct conversations match only the incoming direction, since
// the viewer's own messages arrive through the echo path.
func (l *Live) Open(ctx context.Context, key Key, viewer string, deliver Deliver) (*Binding, error) {
	if !key.Includes(viewer) {
		return nil, ErrNotParticipant
	}
	bctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		key:    key,
		viewer: viewer,
		ctx:    bctx,
		cancel: cancel,
		events: make(chan store.Change, l.queue),
		live:   l,
	}

	if key.Kind == Direct {
		peerID := key.Peer(viewer)
		b.peer = Profile{ID: peerID}
		// The peer profile is display-only; a failed lookup leaves the id.
		if profs, err := l.profiles.Profiles(ctx, []string{peerID}); err == nil {
			if p, ok := profs[peerID]; ok {
				b.peer = p
			}
		} else {
			l.logger.Warn("resolve peer profile failed", zap.String("peer", peerID), zap.Error(err))
		}
	}

	ch, err := l.store.Subscribe(bctx, store.Subscription{
		Name:    channelName(key, viewer),
		Table:   key.Table(),
		Filter:  liveFilter(key, viewer),
		Ops:     []store.Op{store.OpInsert},
		Handler: b.enqueue,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	b.ch = ch
	l.metrics.ChannelOpened()
	l.logger.Debug("live channel opened", zap.String("channel", ch.Name()))

	go b.resolveLoop(deliver)
	return b, nil
}

// enqueue runs on the store's dispatch goroutine and never blocks past
// Close.
func (b *Binding) enqueue(c store.Change) {
	select {
	case b.events <- c:
	case <-b.ctx.Done():
	}
}

func (b *Binding) resolveLoop(deliver Deliver) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.ch.Done():
			if b.ctx.Err() == nil {
				b.lost(b.ch.Err())
			}
			return
		case c := <-b.events:
			m, err := b.resolve(c.Record)
			if b.ctx.Err() != nil {
				b.live.metrics.StaleEvent()
				b.live.logger.Debug("dropped event resolved after close",
					zap.String("channel", b.ch.Name()), zap.String("id", c.Record.String("id")))
				return
			}
			if err != nil {
				b.live.metrics.ResolveFailed()
				b.live.logger.Warn("resolve push event failed",
					zap.String("channel", b.ch.Name()), zap.String("id", c.Record.String("id")), zap.Error(err))
				continue
			}
			b.live.metrics.EventDelivered(b.key.Kind.String())
			deliver(b, m)
		}
	}
}

// resolve turns a possibly partial change record into a full message.
func (b *Binding) resolve(partial store.Record) (Message, error) {
	l := b.live
	id := partial.String("id")
	if id == "" {
		return Message{}, fmt.Errorf("push event without id")
	}
	rec, err := store.First(l.store.Query(b.ctx, b.key.Table(), store.Eq("id", id), store.Order{}))
	if err != nil {
		return Message{}, fmt.Errorf("fetch %s: %w", id, err)
	}

	senderID := rec.String("sender_id")
	sender := b.peer
	if b.key.Kind == Room || senderID != b.peer.ID {
		profs, err := l.profiles.Profiles(b.ctx, []string{senderID})
		if err != nil {
			return Message{}, fmt.Errorf("resolve sender %s: %w", senderID, err)
		}
		sender = profs[senderID]
	}
	return FromRecord(b.key.Kind, rec, sender), nil
}

func channelName(key Key, viewer string) string {
	if key.Kind == Direct {
		return fmt.Sprintf("dm:%s-%s", viewer, key.Peer(viewer))
	}
	return "room:" + key.RoomID
}

func liveFilter(key Key, viewer string) store.Filter {
	if key.Kind == Room {
		return store.Eq("group_id", key.RoomID)
	}
	return store.And(
		store.Eq("sender_id", key.Peer(viewer)),
		store.Eq("recipient_id", viewer),
	)
}
