package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/store"
)

var (
	// ErrEmptyContent is returned when a send carries only whitespace.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrUnknownEcho is returned when a local id names no retryable echo.
	ErrUnknownEcho = errors.New("no such local echo")
	// ErrClosed is returned by operations on a view with no open conversation.
	ErrClosed = errors.New("conversation view is closed")
	// ErrNotParticipant is returned when the viewer is not one of the two
	// participants of a direct conversation.
	ErrNotParticipant = errors.New("viewer is not a participant")
	// ErrSuperseded is returned by Open when another Open or Close replaced
	// the conversation before it finished loading.
	ErrSuperseded = errors.New("conversation replaced before it finished loading")
)

// Kind distinguishes group rooms from direct conversations.
type Kind int

const (
	Room Kind = iota
	Direct
)

func (k Kind) String() string {
	if k == Direct {
		return "direct"
	}
	return "room"
}

// Key identifies a conversation: a room id, or an unordered pair of
// participants stored with A <= B.
type Key struct {
	Kind   Kind
	RoomID string
	A, B   string
}

// RoomKey returns the key of a group room.
func RoomKey(id string) Key {
	return Key{Kind: Room, RoomID: id}
}

// DirectKey returns the key of the direct conversation between x and y. The
// argument order does not matter.
func DirectKey(x, y string) Key {
	if y < x {
		x, y = y, x
	}
	return Key{Kind: Direct, A: x, B: y}
}

// Includes reports whether viewer may open k.
func (k Key) Includes(viewer string) bool {
	if k.Kind == Room {
		return true
	}
	return viewer == k.A || viewer == k.B
}

// Peer returns the other participant of a direct conversation.
func (k Key) Peer(viewer string) string {
	if k.Kind != Direct {
		return ""
	}
	if viewer == k.A {
		return k.B
	}
	return k.A
}

// Table returns the store table holding the conversation's messages.
func (k Key) Table() string {
	if k.Kind == Direct {
		return store.TableDirectMessages
	}
	return store.TableMessages
}

func (k Key) String() string {
	if k.Kind == Direct {
		return fmt.Sprintf("dm:%s:%s", k.A, k.B)
	}
	return "room:" + k.RoomID
}

// State is the delivery state of a message in a view.
type State int

const (
	Confirmed State = iota
	Pending
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "confirmed"
}

// Profile is the display identity of a sender.
type Profile struct {
	ID        string
	Username  string
	AvatarURL string
}

// DisplayName returns the username, falling back to the id.
func (p Profile) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// Message is one entry of a conversation, whether confirmed by the store or
// still a local echo.
type Message struct {
	ID          string
	Key         Key
	SenderID    string
	RecipientID string // direct only
	Content     string
	CreatedAt   time.Time
	Read        bool // direct only
	Sender      Profile
	ClientKey   string
	State       State
	Err         error // why a Failed echo failed
}

// IsEcho reports whether m has not been confirmed by the store.
func (m Message) IsEcho() bool { return m.State != Confirmed }
