package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// readConfirmTimeout bounds the fire-and-forget read write.
const readConfirmTimeout = 10 * time.Second

// ReadConfirmFailed is the payload of bus.KindViewReadConfirmFail.
type ReadConfirmFailed struct {
	ID     string
	Viewer string
	Err    string
}

// Options configures a View.
type Options struct {
	Viewer     string
	EchoWindow time.Duration
	Profiles   ProfileSource // defaults to reading the store
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// View is one mounted conversation window. It owns the message sequence,
// the live channel and the send path, and serialises every mutation behind
// one lock. Store calls run with the lock released.
type View struct {
	viewer  string
	store   store.Store
	history *HistoryLoader
	live    *Live
	sender  *outbox.Sender
	machine *status.Machine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	window  time.Duration

	mu     sync.Mutex
	epoch  uint64
	key    Key
	seq    *Sequence
	active *Binding
	self   Profile
	err    error

	refreshCh chan struct{}
}

// NewView creates a view for opts.Viewer. No conversation is open until
// Open is called.
func NewView(s store.Store, opts Options) *View {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = NewStoreProfiles(s)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With(zap.String("viewer", opts.Viewer))
	return &View{
		viewer:    opts.Viewer,
		store:     s,
		history:   NewHistoryLoader(s, profiles, opts.Metrics, logger),
		live:      NewLive(s, profiles, opts.Metrics, logger),
		sender:    outbox.NewSender(s, opts.Bus, logger),
		machine:   status.NewMachine(opts.Viewer, opts.Bus),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       now,
		window:    opts.EchoWindow,
		self:      Profile{ID: opts.Viewer},
		refreshCh: make(chan struct{}, 1),
	}
}

// Viewer returns the profile id the view acts as.
func (v *View) Viewer() string { return v.viewer }

// RefreshCh is signalled after every change to what the view shows.
func (v *View) RefreshCh() <-chan struct{} {
	return v.refreshCh
}

func (v *View) signalRefresh() {
	select {
	case v.refreshCh <- struct{}{}:
	default:
	}
}

// Status returns the lifecycle state.
func (v *View) Status() status.State { return v.machine.Current() }

// Key returns the open conversation, if any.
func (v *View) Key() (Key, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key, v.seq != nil
}

// Err returns the error that left the view Failed.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Messages returns the ordered messages of the open conversation.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq == nil {
		return nil
	}
	return v.seq.Messages()
}

// LastFailed returns the newest failed echo.
func (v *View) LastFailed() (Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq == nil {
		return Message{}, false
	}
	return v.seq.LastFailed()
}

// Open shows key. The channel is opened before history is fetched so no
// message falls between the two; the merge absorbs any overlap. Opening the
// conversation that is already live is a no-op, and opening another one
// closes the current channel first.
func (v *View) Open(ctx context.Context, key Key) error {
	if !key.Includes(v.viewer) {
		return ErrNotParticipant
	}

	v.mu.Lock()
	if v.active != nil && v.key == key {
		v.mu.Unlock()
		return nil
	}
	v.epoch++
	epoch := v.epoch
	old := v.active
	v.active = nil
	v.key = key
	v.seq = NewSequence(key, v.window)
	v.err = nil
	_ = v.machine.TransitionFor(status.Loading, key.String())
	v.signalRefresh()
	v.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	b, err := v.live.Open(ctx, key, v.viewer, v.deliver)

	v.mu.Lock()
	if v.epoch != epoch {
		v.mu.Unlock()
		if b != nil {
			_ = b.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		v.failLocked(key, err)
		v.mu.Unlock()
		return err
	}
	v.active = b
	v.mu.Unlock()
	go v.watchBinding(b)

	self := v.resolveSelf(ctx)
	msgs, err := v.history.Load(ctx, key, v.viewer)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != b {
		if v.epoch == epoch && v.err != nil {
			return v.err
		}
		return ErrSuperseded
	}
	v.self = self
	if err != nil {
		v.active = nil
		v.failLocked(key, err)
		_ = b.Close()
		return err
	}
	for range v.seq.LoadHistory(msgs) {
		v.metrics.EchoConfirmed("history")
	}
	_ = v.machine.TransitionFor(status.Live, key.String())
	v.logger.Info("conversation open", zap.Stringer("conversation", key), zap.Int("messages", v.seq.Len()))
	v.signalRefresh()
	return nil
}

// failLocked leaves the view Failed with an empty sequence.
func (v *View) failLocked(key Key, err error) {
	v.err = err
	v.seq = NewSequence(key, v.window)
	_ = v.machine.TransitionFor(status.Failed, key.String())
	v.logger.Error("conversation failed to open", zap.Stringer("conversation", key), zap.Error(err))
	v.signalRefresh()
}

// watchBinding fails the view when b's channel ends while b is still the
// active binding. Messages shown so far stay; the conversation must be
// opened again to resume.
func (v *View) watchBinding(b *Binding) {
	<-b.Done()
	err := b.Err()
	if err == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != b {
		return
	}
	v.active = nil
	v.err = fmt.Errorf("live updates for %s stopped: %w", v.key, err)
	_ = v.machine.TransitionFor(status.Failed, v.key.String())
	v.logger.Error("conversation lost its live channel", zap.Stringer("conversation", v.key), zap.Error(err))
	v.signalRefresh()
}

func (v *View) resolveSelf(ctx context.Context) Profile {
	profs, err := v.history.profiles.Profiles(ctx, []string{v.viewer})
	if err != nil {
		v.logger.Warn("resolve own profile failed", zap.Error(err))
	}
	if p, ok := profs[v.viewer]; ok {
		return p
	}
	return Profile{ID: v.viewer}
}

// Close closes the channel and drops the sequence. Late results of work
// started before Close are discarded.
func (v *View) Close() error {
	v.mu.Lock()
	v.epoch++
	old := v.active
	wasOpen := v.seq != nil
	v.active = nil
	v.seq = nil
	v.err = nil
	if wasOpen || v.machine.Current() == status.Idle {
		_ = v.machine.TransitionFor(status.Closed, v.key.String())
	}
	v.signalRefresh()
	v.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

// deliver applies a resolved push event if b is still the active binding.
func (v *View) deliver(b *Binding, m Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active != b {
		v.metrics.StaleEvent()
		v.logger.Debug("dropped stale push event", zap.String("channel", b.Name()), zap.String("id", m.ID))
		return
	}
	changed, confirmed := v.seq.ApplyRemote(m)
	if confirmed {
		v.metrics.EchoConfirmed("push")
	}
	if m.Key.Kind == Direct && m.RecipientID == v.viewer && !m.Read {
		go v.confirmRead(b, m.ID)
	}
	if changed {
		v.signalRefresh()
	}
}

// confirmRead marks one direct message read. Failure is logged and counted,
// never surfaced.
func (v *View) confirmRead(b *Binding, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), readConfirmTimeout)
	defer cancel()

	_, err := v.store.Update(ctx, store.TableDirectMessages,
		store.And(store.Eq("id", id), store.Eq("recipient_id", v.viewer)),
		store.Patch{"read": true})
	v.metrics.ReadConfirmed(1, err)
	if err != nil {
		v.logger.Warn("read confirmation failed", zap.String("id", id), zap.Error(err))
		if v.bus != nil {
			v.bus.Publish(bus.Event{
				Kind:      bus.KindViewReadConfirmFail,
				Timestamp: v.now(),
				Payload:   ReadConfirmFailed{ID: id, Viewer: v.viewer, Err: err.Error()},
			})
		}
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == b && v.seq.MarkRead(id) > 0 {
		v.signalRefresh()
	}
}

// Send trims content, shows it as a pending echo and writes it. The echo is
// replaced by the stored row on success and marked failed otherwise; the
// returned message reflects that outcome.
func (v *View) Send(ctx context.Context, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	v.mu.Lock()
	if v.active == nil {
		err := v.unavailableLocked()
		v.mu.Unlock()
		return Message{}, err
	}
	seq := v.seq
	echo := Message{
		ID:        "local-" + ulid.Make().String(),
		Key:       v.key,
		SenderID:  v.viewer,
		Content:   content,
		CreatedAt: v.now(),
		Sender:    v.self,
		ClientKey: uuid.NewString(),
		State:     Pending,
	}
	if v.key.Kind == Direct {
		echo.RecipientID = v.key.Peer(v.viewer)
	}
	seq.ApplyLocalEcho(echo)
	v.signalRefresh()
	v.mu.Unlock()

	return v.write(ctx, seq, echo)
}

// Retry writes a failed echo again under the same client key.
func (v *View) Retry(ctx context.Context, localID string) (Message, error) {
	v.mu.Lock()
	if v.active == nil {
		err := v.unavailableLocked()
		v.mu.Unlock()
		return Message{}, err
	}
	seq := v.seq
	echo, err := seq.Retrying(localID)
	if err != nil {
		v.mu.Unlock()
		return Message{}, err
	}
	v.signalRefresh()
	v.mu.Unlock()

	return v.write(ctx, seq, echo)
}

// Discard drops a failed echo.
func (v *View) Discard(localID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq == nil {
		return ErrClosed
	}
	if err := v.seq.Discard(localID); err != nil {
		return err
	}
	v.signalRefresh()
	return nil
}

// unavailableLocked is the error for a send with no live channel.
func (v *View) unavailableLocked() error {
	if v.err != nil {
		return v.err
	}
	return ErrClosed
}

// write stores echo and settles it in seq, unless seq is no longer the one
// on show.
func (v *View) write(ctx context.Context, seq *Sequence, echo Message) (Message, error) {
	rec, err := v.sender.Send(ctx, outbox.Draft{
		LocalID:     echo.ID,
		ClientKey:   echo.ClientKey,
		GroupID:     echo.Key.RoomID,
		SenderID:    echo.SenderID,
		RecipientID: echo.RecipientID,
		Content:     echo.Content,
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq != seq {
		// The conversation was closed or replaced; the write stands but
		// there is no sequence to show it in.
		if err != nil {
			return echo, err
		}
		return FromRecord(echo.Key.Kind, rec, v.self), nil
	}
	if err != nil {
		v.metrics.SendFailed(echo.Key.Kind.String())
		if mErr := seq.MarkFailed(echo.ID, err); mErr != nil && !errors.Is(mErr, ErrUnknownEcho) {
			v.logger.Warn("mark echo failed", zap.Error(mErr))
		}
		v.signalRefresh()
		echo.State = Failed
		echo.Err = err
		return echo, err
	}
	msg := FromRecord(echo.Key.Kind, rec, v.self)
	if seq.Confirm(echo.ID, msg) {
		v.metrics.EchoConfirmed("ack")
		v.signalRefresh()
	}
	if cur, ok := seq.Get(msg.ID); ok {
		msg = cur
	}
	return msg, nil
}
