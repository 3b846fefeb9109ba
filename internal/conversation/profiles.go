package conversation

import (
	"context"
	"fmt"

	"github.com/matheus3301/convsync/internal/store"
)

// ProfileSource resolves sender identities. Missing ids are simply absent
// from the result.
type ProfileSource interface {
	Profiles(ctx context.Context, ids []string) (map[string]Profile, error)
}

// StoreProfiles reads profiles straight from the store.
type StoreProfiles struct {
	store store.Store
}

func NewStoreProfiles(s store.Store) *StoreProfiles {
	return &StoreProfiles{store: s}
}

// Profiles fetches every distinct id with one query.
func (p *StoreProfiles) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	ids = distinct(ids)
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := p.store.Query(ctx, store.TableProfiles, store.In("id", ids...), store.Order{})
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, rec := range recs {
		prof := ProfileFromRecord(rec)
		out[prof.ID] = prof
	}
	return out, nil
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
