package conversation

import (
	"slices"
	"time"
)

// DefaultEchoWindow bounds how far apart an echo and a stored row without a
// client key may be and still count as the same message.
const DefaultEchoWindow = 2 * time.Minute

// Sequence merges history, push events and local echoes into the ordered
// message list of one conversation. It is not safe for concurrent use; View
// serialises access.
//
// Entries are kept sorted by CreatedAt. Every mutation appends or replaces in
// place and then stable-sorts, so messages with equal timestamps keep their
// arrival order.
type Sequence struct {
	key    Key
	window time.Duration
	msgs   []Message
}

// NewSequence returns an empty sequence for key. A non-positive window
// selects DefaultEchoWindow.
func NewSequence(key Key, window time.Duration) *Sequence {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &Sequence{key: key, window: window}
}

// Key returns the conversation the sequence belongs to.
func (s *Sequence) Key() Key { return s.key }

// Len returns the number of entries.
func (s *Sequence) Len() int { return len(s.msgs) }

// Messages returns a copy of the ordered entries.
func (s *Sequence) Messages() []Message {
	return slices.Clone(s.msgs)
}

// Get returns the entry with id.
func (s *Sequence) Get(id string) (Message, bool) {
	if i := s.index(id); i >= 0 {
		return s.msgs[i], true
	}
	return Message{}, false
}

// LoadHistory replaces the confirmed content with history. Echoes that no
// history row accounts for, and confirmed messages the snapshot predates,
// are kept.
func (s *Sequence) LoadHistory(history []Message) (confirmed int) {
	prev := s.msgs
	s.msgs = make([]Message, 0, len(history)+len(prev))
	for _, m := range history {
		m.State = Confirmed
		if i := s.index(m.ID); i >= 0 {
			s.msgs[i] = mergeConfirmed(s.msgs[i], m)
			continue
		}
		s.msgs = append(s.msgs, m)
	}
	// A history row confirms at most one echo.
	used := make(map[string]bool)
	for _, old := range prev {
		if !old.IsEcho() {
			if i := s.index(old.ID); i >= 0 {
				s.msgs[i] = mergeConfirmed(old, s.msgs[i])
			} else {
				s.msgs = append(s.msgs, old)
			}
			continue
		}
		if j := s.matchRow(old, history, used); j >= 0 {
			used[history[j].ID] = true
			confirmed++
			continue
		}
		s.msgs = append(s.msgs, old)
	}
	s.sort()
	return confirmed
}

// ApplyRemote merges a confirmed message that arrived on the push channel.
// It reports whether the sequence changed and whether an echo was
// confirmed by it.
func (s *Sequence) ApplyRemote(m Message) (changed, confirmedEcho bool) {
	m.State = Confirmed
	m.Err = nil
	if i := s.index(m.ID); i >= 0 {
		merged := mergeConfirmed(s.msgs[i], m)
		if merged == s.msgs[i] {
			return false, false
		}
		s.msgs[i] = merged
		s.sort()
		return true, false
	}
	if i := s.matchEcho(m); i >= 0 {
		s.msgs[i] = m
		s.sort()
		return true, true
	}
	s.msgs = append(s.msgs, m)
	s.sort()
	return true, false
}

// ApplyLocalEcho appends a message that has not reached the store yet.
func (s *Sequence) ApplyLocalEcho(m Message) {
	m.State = Pending
	m.Err = nil
	s.msgs = append(s.msgs, m)
	s.sort()
}

// Confirm replaces the echo localID with the row the store returned for it.
// If the push channel delivered that row first, the echo has already been
// replaced and only a leftover duplicate, if any, is removed.
func (s *Sequence) Confirm(localID string, m Message) bool {
	m.State = Confirmed
	m.Err = nil
	echo := s.index(localID)
	if existing := s.index(m.ID); existing >= 0 {
		if echo < 0 {
			return false
		}
		s.msgs = slices.Delete(s.msgs, echo, echo+1)
		return true
	}
	if echo >= 0 {
		s.msgs[echo] = m
	} else {
		s.msgs = append(s.msgs, m)
	}
	s.sort()
	return true
}

// MarkFailed flags a pending echo as failed. The echo stays visible.
func (s *Sequence) MarkFailed(localID string, err error) error {
	i := s.index(localID)
	if i < 0 || s.msgs[i].State != Pending {
		return ErrUnknownEcho
	}
	s.msgs[i].State = Failed
	s.msgs[i].Err = err
	return nil
}

// Retrying moves a failed echo back to pending and returns it so it can be
// written again with the same client key.
func (s *Sequence) Retrying(localID string) (Message, error) {
	i := s.index(localID)
	if i < 0 || s.msgs[i].State != Failed {
		return Message{}, ErrUnknownEcho
	}
	s.msgs[i].State = Pending
	s.msgs[i].Err = nil
	return s.msgs[i], nil
}

// Discard removes a failed echo.
func (s *Sequence) Discard(localID string) error {
	i := s.index(localID)
	if i < 0 || s.msgs[i].State != Failed {
		return ErrUnknownEcho
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	return nil
}

// MarkRead sets Read on the given confirmed messages. Read never goes back
// to false.
func (s *Sequence) MarkRead(ids ...string) int {
	n := 0
	for _, id := range ids {
		if i := s.index(id); i >= 0 && !s.msgs[i].IsEcho() && !s.msgs[i].Read {
			s.msgs[i].Read = true
			n++
		}
	}
	return n
}

// LastFailed returns the most recent failed echo.
func (s *Sequence) LastFailed() (Message, bool) {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].State == Failed {
			return s.msgs[i], true
		}
	}
	return Message{}, false
}

func (s *Sequence) index(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.msgs, func(m Message) bool { return m.ID == id })
}

// matchEcho returns the oldest echo that m confirms.
func (s *Sequence) matchEcho(m Message) int {
	for i, e := range s.msgs {
		if e.IsEcho() && s.confirms(m, e) {
			return i
		}
	}
	return -1
}

func (s *Sequence) matchRow(echo Message, rows []Message, used map[string]bool) int {
	for j, r := range rows {
		if !used[r.ID] && s.confirms(r, echo) {
			return j
		}
	}
	return -1
}

// confirms reports whether the stored row is the echo. Client keys decide
// when both sides carry one; otherwise sender, content and a bounded time
// distance must agree.
func (s *Sequence) confirms(row, echo Message) bool {
	if row.ClientKey != "" && echo.ClientKey != "" {
		return row.ClientKey == echo.ClientKey
	}
	if row.SenderID != echo.SenderID || row.Content != echo.Content {
		return false
	}
	d := row.CreatedAt.Sub(echo.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= s.window
}

func (s *Sequence) sort() {
	slices.SortStableFunc(s.msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// mergeConfirmed folds a newer copy of a confirmed row into cur. Read is
// sticky and a resolved sender profile is not replaced by a bare id.
func mergeConfirmed(cur, next Message) Message {
	out := next
	out.Read = cur.Read || next.Read
	if next.Sender.Username == "" && cur.Sender.Username != "" {
		out.Sender = cur.Sender
	}
	return out
}
