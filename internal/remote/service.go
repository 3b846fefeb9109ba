// Package remote serves a store.Store over gRPC and provides the matching
// client. Messages are google.protobuf.Struct values, so no generated code
// is involved.
package remote

import (
	"context"

	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "convsync.v1.TableStore"

const (
	methodQuery  = "/" + serviceName + "/Query"
	methodInsert = "/" + serviceName + "/Insert"
	methodUpdate = "/" + serviceName + "/Update"
	methodDelete = "/" + serviceName + "/Delete"
	methodWatch  = "/" + serviceName + "/Watch"
)

// TableStoreServer is the server API of convsync.v1.TableStore.
type TableStoreServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func unaryHandler(method string, call func(TableStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TableStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TableStoreServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TableStoreServer).Watch(in, stream)
}

// serviceDesc describes convsync.v1.TableStore.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TableStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler(methodQuery, TableStoreServer.Query)},
		{MethodName: "Insert", Handler: unaryHandler(methodInsert, TableStoreServer.Insert)},
		{MethodName: "Update", Handler: unaryHandler(methodUpdate, TableStoreServer.Update)},
		{MethodName: "Delete", Handler: unaryHandler(methodDelete, TableStoreServer.Delete)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "convsync/v1/table_store.proto",
}

// RegisterTableStoreServer registers srv on s.
func RegisterTableStoreServer(s grpc.ServiceRegistrar, srv TableStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Service exposes a store.Store as convsync.v1.TableStore.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService creates a service backed by st.
func NewService(st store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}
}

func (s *Service) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	table, _ := m[fieldTable].(string)
	filter, err := decodeFilter(m[fieldFilter])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "query: %v", err)
	}
	recs, err := s.store.Query(ctx, table, filter, decodeOrder(m[fieldOrder]))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{fieldRecords: recordsValue(recs)})
}

func (s *Service) Insert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	table, _ := m[fieldTable].(string)
	rec, err := decodeRecord(m[fieldRecord])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "insert: %v", err)
	}
	out, err := s.store.Insert(ctx, table, rec)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{fieldRecord: recordValue(out)})
}

func (s *Service) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	table, _ := m[fieldTable].(string)
	filter, err := decodeFilter(m[fieldFilter])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "update: %v", err)
	}
	patch, err := decodeRecord(m[fieldPatch])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "update: %v", err)
	}
	n, err := s.store.Update(ctx, table, filter, store.Patch(patch))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{fieldCount: n})
}

func (s *Service) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	table, _ := m[fieldTable].(string)
	filter, err := decodeFilter(m[fieldFilter])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "delete: %v", err)
	}
	n, err := s.store.Delete(ctx, table, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{fieldCount: n})
}

// Watch subscribes on behalf of the client and streams matching changes.
// The first message only confirms that the subscription is in place.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	m := req.AsMap()
	table, _ := m[fieldTable].(string)
	name, _ := m[fieldName].(string)
	filter, err := decodeFilter(m[fieldFilter])
	if err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "watch: %v", err)
	}

	ctx := stream.Context()
	changes := make(chan store.Change, 64)
	ch, err := s.store.Subscribe(ctx, store.Subscription{
		Name:   name,
		Table:  table,
		Filter: filter,
		Ops:    decodeOps(m[fieldOps]),
		Handler: func(c store.Change) {
			select {
			case changes <- c:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		return toStatus(err)
	}
	defer func() { _ = ch.Close() }()

	s.logger.Debug("watch started", zap.String("channel", name), zap.String("table", table))
	ready, _ := encode(map[string]any{fieldReady: true})
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	for {
		select {
		case c := <-changes:
			msg, err := encode(map[string]any{
				fieldTable:  c.Table,
				fieldOp:     string(c.Op),
				fieldRecord: recordValue(c.Record),
			})
			if err != nil {
				s.logger.Warn("encode change failed", zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-ch.Done():
			if err := ch.Err(); err != nil {
				s.logger.Warn("watch channel failed", zap.String("channel", name), zap.Error(err))
				return toStatus(err)
			}
			return nil
		case <-ctx.Done():
			s.logger.Debug("watch ended", zap.String("channel", name))
			return nil
		}
	}
}
