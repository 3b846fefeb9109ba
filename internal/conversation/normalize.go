package conversation

import "github.com/matheus3301/convsync/internal/store"

// FromGroupRecord maps a messages row to a Message. sender is used when it
// describes the row's sender; otherwise only the sender id is known.
func FromGroupRecord(rec store.Record, sender Profile) Message {
	m := Message{
		ID:        rec.String("id"),
		Key:       RoomKey(rec.String("group_id")),
		SenderID:  rec.String("sender_id"),
		Content:   rec.String("content"),
		CreatedAt: rec.Time("created_at"),
		ClientKey: rec.String("client_key"),
		State:     Confirmed,
	}
	m.Sender = senderProfile(m.SenderID, sender)
	return m
}

// FromDirectRecord maps a direct_messages row to a Message.
func FromDirectRecord(rec store.Record, sender Profile) Message {
	m := Message{
		ID:          rec.String("id"),
		SenderID:    rec.String("sender_id"),
		RecipientID: rec.String("recipient_id"),
		Content:     rec.String("content"),
		CreatedAt:   rec.Time("created_at"),
		Read:        rec.Bool("read"),
		ClientKey:   rec.String("client_key"),
		State:       Confirmed,
	}
	m.Key = DirectKey(m.SenderID, m.RecipientID)
	m.Sender = senderProfile(m.SenderID, sender)
	return m
}

// FromRecord dispatches on the kind of key.
func FromRecord(k Kind, rec store.Record, sender Profile) Message {
	if k == Direct {
		return FromDirectRecord(rec, sender)
	}
	return FromGroupRecord(rec, sender)
}

// ProfileFromRecord maps a profiles row.
func ProfileFromRecord(rec store.Record) Profile {
	return Profile{
		ID:        rec.String("id"),
		Username:  rec.String("username"),
		AvatarURL: rec.String("avatar_url"),
	}
}

func senderProfile(senderID string, known Profile) Profile {
	if known.ID == senderID && senderID != "" {
		return known
	}
	return Profile{ID: senderID}
}
