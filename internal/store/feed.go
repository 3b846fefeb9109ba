package store

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"go.uber.org/zap"
)

// feed turns committed writes into bus events and bus events into
// per-subscription handler calls.
type feed struct {
	bus     *bus.Bus
	logger  *zap.Logger
	bufSize int
}

func newFeed(b *bus.Bus, logger *zap.Logger) *feed {
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &feed{bus: b, logger: logger, bufSize: 256}
}

func (f *feed) publish(table string, op Op, recs ...Record) {
	for _, rec := range recs {
		f.bus.Publish(bus.Event{
			Kind:      bus.ChangeKind(table, string(op)),
			Timestamp: time.Now(),
			Payload:   Change{Table: table, Op: op, Record: rec},
		})
	}
}

func (f *feed) subscribe(ctx context.Context, sub Subscription) (Channel, error) {
	if _, err := lookupTable(sub.Table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &busChannel{name: sub.Name, cancel: cancel, done: make(chan struct{})}
	// Missing a change the subscriber never wanted is harmless; missing one
	// it matches leaves its owner behind for good.
	ch, unsub := f.bus.SubscribeWithDrop(bus.ChangePrefix(sub.Table), f.bufSize, func(evt bus.Event) {
		change, ok := evt.Payload.(Change)
		if ok && sub.wants(change.Op) && sub.Filter.Match(change.Record) {
			c.fail(ErrChannelOverflow)
		}
	})

	f.logger.Debug("channel opened", zap.String("channel", sub.Name), zap.String("filter", sub.Filter.String()))

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				if err := c.Err(); err != nil {
					f.logger.Warn("channel failed", zap.String("channel", sub.Name), zap.Error(err))
				} else {
					f.logger.Debug("channel closed", zap.String("channel", sub.Name))
				}
				return
			case evt := <-ch:
				change, ok := evt.Payload.(Change)
				if !ok || !sub.wants(change.Op) || !sub.Filter.Match(change.Record) {
					continue
				}
				// Close may have raced with the receive.
				if ctx.Err() != nil {
					continue
				}
				sub.Handler(change)
			}
		}
	}()

	return c, nil
}

type busChannel struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (c *busChannel) Name() string { return c.name }

func (c *busChannel) Done() <-chan struct{} { return c.done }

func (c *busChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail ends the channel with err unless it already ended.
func (c *busChannel) fail(err error) {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.mu.Unlock()
	c.cancel()
}

func (c *busChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}
