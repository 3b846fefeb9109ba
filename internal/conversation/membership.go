package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

// Group is a room as listed to a viewer.
type Group struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Public      bool
	CreatedAt   time.Time
	Member      bool
}

// Membership manages rooms and who belongs to them.
type Membership struct {
	store  store.Store
	logger *zap.Logger
}

func NewMembership(s store.Store, logger *zap.Logger) *Membership {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{store: s, logger: logger}
}

// CreateGroup creates a public room and joins its creator to it.
func (m *Membership) CreateGroup(ctx context.Context, creator, name, description string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("group name is empty")
	}
	rec, err := m.store.Insert(ctx, store.TableGroups, store.Record{
		"name":        name,
		"description": strings.TrimSpace(description),
		"created_by":  creator,
		"is_public":   true,
	})
	if err != nil {
		return Group{}, fmt.Errorf("create group: %w", err)
	}
	g := groupFromRecord(rec)
	if err := m.Join(ctx, g.ID, creator); err != nil {
		return g, err
	}
	g.Member = true
	m.logger.Info("group created", zap.String("group", g.ID), zap.String("creator", creator))
	return g, nil
}

// Join adds user to group. Joining a group twice is not an error.
func (m *Membership) Join(ctx context.Context, groupID, userID string) error {
	_, err := m.store.Insert(ctx, store.TableGroupMembers, store.Record{"group_id": groupID, "user_id": userID})
	if store.IsConflict(err) {
		m.logger.Debug("already a member", zap.String("group", groupID), zap.String("user", userID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("join group %s: %w", groupID, err)
	}
	return nil
}

// Leave removes user from group. Leaving a group one is not in is a no-op.
func (m *Membership) Leave(ctx context.Context, groupID, userID string) error {
	_, err := m.store.Delete(ctx, store.TableGroupMembers,
		store.And(store.Eq("group_id", groupID), store.Eq("user_id", userID)))
	if err != nil {
		return fmt.Errorf("leave group %s: %w", groupID, err)
	}
	return nil
}

// ListGroups returns public groups newest first, flagging those viewer
// belongs to.
func (m *Membership) ListGroups(ctx context.Context, viewer string) ([]Group, error) {
	recs, err := m.store.Query(ctx, store.TableGroups, store.Eq("is_public", true), store.Descending("created_at"))
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	member := make(map[string]bool)
	if viewer != "" {
		rows, err := m.store.Query(ctx, store.TableGroupMembers, store.Eq("user_id", viewer), store.Order{})
		if err != nil {
			return nil, fmt.Errorf("list memberships: %w", err)
		}
		for _, r := range rows {
			member[r.String("group_id")] = true
		}
	}
	groups := make([]Group, 0, len(recs))
	for _, rec := range recs {
		g := groupFromRecord(rec)
		g.Member = member[g.ID]
		groups = append(groups, g)
	}
	return groups, nil
}

func groupFromRecord(rec store.Record) Group {
	return Group{
		ID:          rec.String("id"),
		Name:        rec.String("name"),
		Description: rec.String("description"),
		CreatedBy:   rec.String("created_by"),
		Public:      rec.Bool("is_public"),
		CreatedAt:   rec.Time("created_at"),
	}
}
