// Package format turns an ordered conversation into render items.
package format

import (
	"iter"
	"time"

	"github.com/matheus3301/convsync/internal/conversation"
)

// Item is either a day divider or a message.
type Item struct {
	Divider string
	Day     time.Time // local midnight of the divider's day
	Message *conversation.Message
}

// IsDivider reports whether the item is a day divider.
func (it Item) IsDivider() bool { return it.Message == nil }

// Group yields a divider before the first message of each calendar day in
// loc, followed by the messages of that day. msgs must already be ordered.
// The result is computed from msgs alone and can be ranged over repeatedly.
func Group(msgs []conversation.Message, now time.Time, loc *time.Location) iter.Seq[Item] {
	if loc == nil {
		loc = time.Local
	}
	return func(yield func(Item) bool) {
		var last time.Time
		for i := range msgs {
			day := midnight(msgs[i].CreatedAt, loc)
			if i == 0 || !day.Equal(last) {
				last = day
				if !yield(Item{Divider: DayLabel(day, now, loc), Day: day}) {
					return
				}
			}
			if !yield(Item{Message: &msgs[i], Day: day}) {
				return
			}
		}
	}
}

// DayLabel names the calendar day of t relative to now: Today, Yesterday,
// or a date such as "Jan 2, 2006".
func DayLabel(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	day := midnight(t, loc)
	today := midnight(now, loc)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return day.Format("Jan 2, 2006")
}

// Clock renders the time of day, e.g. "3:04 PM".
func Clock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("3:04 PM")
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
