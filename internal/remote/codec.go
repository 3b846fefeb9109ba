package remote

import (
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request and response fields. Every message is a google.protobuf.Struct.
const (
	fieldTable   = "table"
	fieldFilter  = "filter"
	fieldOrder   = "order"
	fieldRecord  = "record"
	fieldRecords = "records"
	fieldPatch   = "patch"
	fieldCount   = "count"
	fieldName    = "name"
	fieldOps     = "ops"
	fieldOp      = "op"
	fieldReady   = "ready"
)

func encode(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return s, nil
}

func recordValue(rec store.Record) map[string]any {
	return map[string]any(rec)
}

func recordsValue(recs []store.Record) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = recordValue(r)
	}
	return out
}

func decodeRecord(v any) (store.Record, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record: unexpected %T", v)
	}
	return store.Record(m).Canonical(), nil
}

func decodeRecords(v any) ([]store.Record, error) {
	list, ok := v.([]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("records: unexpected %T", v)
	}
	out := make([]store.Record, 0, len(list))
	for _, item := range list {
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeFilter(v any) (store.Filter, error) {
	if v == nil {
		return store.Filter{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return store.Filter{}, fmt.Errorf("filter: unexpected %T", v)
	}
	return store.FilterFromMap(m)
}

func orderValue(o store.Order) map[string]any {
	return map[string]any{"column": o.Column, "desc": o.Desc}
}

func decodeOrder(v any) store.Order {
	m, _ := v.(map[string]any)
	col, _ := m["column"].(string)
	desc, _ := m["desc"].(bool)
	return store.Order{Column: col, Desc: desc}
}

func opsValue(ops []store.Op) []any {
	out := make([]any, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}

func decodeOps(v any) []store.Op {
	list, _ := v.([]any)
	out := make([]store.Op, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, store.Op(s))
		}
	}
	return out
}

func decodeCount(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

// toStatus maps store errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case store.IsConflict(err):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrChannelOverflow):
		return grpcstatus.Error(codes.DataLoss, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

// fromStatus restores store error semantics on the client side.
func fromStatus(op, table string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return &store.Error{Op: op, Table: table, Err: err}
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return &store.Error{Op: op, Table: table, Code: store.CodeUniqueViolation, Err: errors.New(st.Message())}
	case codes.NotFound:
		return &store.Error{Op: op, Table: table, Err: fmt.Errorf("%s: %w", st.Message(), store.ErrNotFound)}
	case codes.DataLoss:
		return &store.Error{Op: op, Table: table, Err: fmt.Errorf("%s: %w", st.Message(), store.ErrChannelOverflow)}
	}
	return &store.Error{Op: op, Table: table, Err: err}
}
