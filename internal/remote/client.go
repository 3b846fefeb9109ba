package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client implements store.Store against a remote TableStore.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ store.Store = (*Client)(nil)

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Query(ctx context.Context, table string, filter store.Filter, order store.Order) ([]store.Record, error) {
	resp, err := c.invoke(ctx, methodQuery, map[string]any{
		fieldTable:  table,
		fieldFilter: filter.Map(),
		fieldOrder:  orderValue(order),
	})
	if err != nil {
		return nil, fromStatus("query", table, err)
	}
	return decodeRecords(resp[fieldRecords])
}

func (c *Client) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	resp, err := c.invoke(ctx, methodInsert, map[string]any{
		fieldTable:  table,
		fieldRecord: recordValue(rec),
	})
	if err != nil {
		return nil, fromStatus("insert", table, err)
	}
	return decodeRecord(resp[fieldRecord])
}

func (c *Client) Update(ctx context.Context, table string, filter store.Filter, patch store.Patch) (int64, error) {
	resp, err := c.invoke(ctx, methodUpdate, map[string]any{
		fieldTable:  table,
		fieldFilter: filter.Map(),
		fieldPatch:  map[string]any(patch),
	})
	if err != nil {
		return 0, fromStatus("update", table, err)
	}
	return decodeCount(resp[fieldCount]), nil
}

func (c *Client) Delete(ctx context.Context, table string, filter store.Filter) (int64, error) {
	resp, err := c.invoke(ctx, methodDelete, map[string]any{
		fieldTable:  table,
		fieldFilter: filter.Map(),
	})
	if err != nil {
		return 0, fromStatus("delete", table, err)
	}
	return decodeCount(resp[fieldCount]), nil
}

var watchStreamDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Subscribe opens a Watch stream and returns once the server confirmed the
// subscription. Changes are handed to sub.Handler from a single goroutine.
func (c *Client) Subscribe(ctx context.Context, sub store.Subscription) (store.Channel, error) {
	if sub.Handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}
	req, err := encode(map[string]any{
		fieldTable:  sub.Table,
		fieldName:   sub.Name,
		fieldFilter: sub.Filter.Map(),
		fieldOps:    opsValue(sub.Ops),
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(sctx, watchStreamDesc, methodWatch)
	if err == nil {
		err = stream.SendMsg(req)
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err != nil {
		cancel()
		return nil, fromStatus("subscribe", sub.Table, err)
	}

	ready := new(structpb.Struct)
	if err := stream.RecvMsg(ready); err != nil {
		cancel()
		return nil, fromStatus("subscribe", sub.Table, err)
	}

	rc := &remoteChannel{name: sub.Name, cancel: cancel, done: make(chan struct{})}
	go rc.run(sctx, stream, sub, c.logger)
	return rc, nil
}

type remoteChannel struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (rc *remoteChannel) Name() string { return rc.name }

func (rc *remoteChannel) Done() <-chan struct{} { return rc.done }

func (rc *remoteChannel) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

func (rc *remoteChannel) Close() error {
	rc.mu.Lock()
	rc.closed = true
	rc.mu.Unlock()
	rc.cancel()
	return nil
}

// end records why the stream stopped, unless the owner closed it.
func (rc *remoteChannel) end(err error) {
	rc.mu.Lock()
	if !rc.closed && rc.err == nil {
		rc.err = err
	}
	rc.mu.Unlock()
	rc.cancel()
}

func (rc *remoteChannel) run(ctx context.Context, stream grpc.ClientStream, sub store.Subscription, logger *zap.Logger) {
	defer close(rc.done)
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() == nil {
				err = streamEnd(sub.Table, err)
				logger.Warn("watch stream ended", zap.String("channel", rc.name), zap.Error(err))
				rc.end(err)
			}
			return
		}
		m := msg.AsMap()
		rec, err := decodeRecord(m[fieldRecord])
		if err != nil {
			logger.Warn("dropping undecodable change", zap.String("channel", rc.name), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		table, _ := m[fieldTable].(string)
		op, _ := m[fieldOp].(string)
		sub.Handler(store.Change{Table: table, Op: store.Op(op), Record: rec})
	}
}

// streamEnd classifies the error that ended a Watch stream. A server that
// went away ends the channel; anything else keeps its store meaning.
func streamEnd(table string, err error) error {
	if errors.Is(err, io.EOF) {
		return store.ErrChannelEnded
	}
	switch grpcstatus.Code(err) {
	case codes.Unavailable, codes.Canceled:
		return &store.Error{Op: "watch", Table: table, Err: fmt.Errorf("%w: %v", store.ErrChannelEnded, err)}
	}
	return fromStatus("watch", table, err)
}

// Ping checks that the daemon answers queries.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Query(ctx, store.TableProfiles, store.Eq("id", ""), store.Order{})
	return err
}
