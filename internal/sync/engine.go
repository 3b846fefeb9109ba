// Package sync observes the daemon's event bus: every committed row change
// and every view-level send or read failure passes through the Engine, which
// keeps per-table activity counters for health reporting.
package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time view of the engine counters.
type Snapshot struct {
	Changes      map[string]int64 `json:"changes"` // "<table>.<op>" -> count
	SendFailures int64            `json:"send_failures"`
	LastChangeAt time.Time        `json:"last_change_at,omitzero"`
}

// Engine consumes bus events. It never writes to the store.
type Engine struct {
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	changes  map[string]int64
	failures int64
	last     time.Time
}

// NewEngine creates a new engine.
func NewEngine(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		bus:     b,
		metrics: m,
		logger:  logger,
		changes: make(map[string]int64),
	}
}

// Start subscribes to the bus. Events published before Start are not seen.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the consumer goroutine to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch {
	case strings.HasPrefix(evt.Kind, bus.KindChangePrefix):
		c, ok := evt.Payload.(store.Change)
		if !ok {
			return
		}
		e.metrics.Change(c.Table, string(c.Op))
		e.mu.Lock()
		e.changes[c.Table+"."+string(c.Op)]++
		e.last = evt.Timestamp
		e.mu.Unlock()
		e.logger.Debug("row change",
			zap.String("table", c.Table),
			zap.String("op", string(c.Op)),
			zap.String("id", c.Record.String("id")))

	case evt.Kind == bus.KindViewSendFailed:
		p, _ := evt.Payload.(outbox.SendFailed)
		e.mu.Lock()
		e.failures++
		e.mu.Unlock()
		e.logger.Warn("send failed", zap.String("local_id", p.LocalID), zap.String("client_key", p.ClientKey), zap.String("error", p.Err))

	case evt.Kind == bus.KindViewReadConfirmFail:
		p, _ := evt.Payload.(conversation.ReadConfirmFailed)
		e.logger.Warn("read confirmation failed", zap.String("id", p.ID), zap.String("viewer", p.Viewer), zap.String("error", p.Err))

	case evt.Kind == bus.KindViewStatusChanged:
		if p, ok := evt.Payload.(status.StatusChange); ok {
			e.logger.Info("view status changed",
				zap.String("view", p.View),
				zap.String("conversation", p.Conversation),
				zap.String("from", string(p.From)),
				zap.String("to", string(p.To)))
		}
	}
}

// Snapshot returns a copy of the counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	changes := make(map[string]int64, len(e.changes))
	for k, v := range e.changes {
		changes[k] = v
	}
	return Snapshot{Changes: changes, SendFailures: e.failures, LastChangeAt: e.last}
}
