// Package views holds the tview widgets of the conversation window.
package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/format"
	"github.com/rivo/tview"
)

var escape = tview.Escape

// Thread shows the message sequence of one conversation with day dividers.
type Thread struct {
	*tview.TextView
	viewer string
	loc    *time.Location
}

// NewThread creates a thread for viewer, rendering times in loc.
func NewThread(viewer string, loc *time.Location) *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true)
	tv.SetBorderColor(tcell.ColorDodgerBlue)
	tv.SetTitleColor(tcell.ColorFuchsia)
	if loc == nil {
		loc = time.Local
	}
	return &Thread{TextView: tv, viewer: viewer, loc: loc}
}

// SetConversation sets the title.
func (t *Thread) SetConversation(title string) {
	t.SetTitle(fmt.Sprintf(" %s ", sanitize(title)))
}

// Update redraws msgs and scrolls to the newest one.
func (t *Thread) Update(msgs []conversation.Message, now time.Time) {
	t.Clear()
	_, _ = fmt.Fprint(t, Render(msgs, t.viewer, now, t.loc))
	t.ScrollToEnd()
}

// Render produces the tview markup for msgs as seen by viewer.
func Render(msgs []conversation.Message, viewer string, now time.Time, loc *time.Location) string {
	var b strings.Builder
	for it := range format.Group(msgs, now, loc) {
		if it.IsDivider() {
			fmt.Fprintf(&b, "[::d]── %s ──[-:-:-]\n", escape(it.Divider))
			continue
		}
		m := it.Message
		sender := m.Sender.DisplayName()
		if m.SenderID == viewer {
			sender = "You"
		}
		fmt.Fprintf(&b, "[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
			sanitize(sender), format.Clock(m.CreatedAt, loc), marker(*m), sanitize(m.Content))
	}
	return b.String()
}

func marker(m conversation.Message) string {
	switch m.State {
	case conversation.Pending:
		return " [gray]sending…[-]"
	case conversation.Failed:
		return " [red]failed, r to retry, x to discard[-]"
	}
	return ""
}
