package views

import (
	"fmt"

	"github.com/matheus3301/convsync/internal/status"
	"github.com/rivo/tview"
)

// StatusBar displays workspace, conversation and view state.
type StatusBar struct {
	*tview.TextView
	workspace    string
	conversation string
	state        status.State
	hints        string
	flash        string
}

func NewStatusBar(workspace string) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	sb := &StatusBar{TextView: tv, workspace: workspace, state: status.Idle}
	sb.render()
	return sb
}

func (sb *StatusBar) SetConversation(name string) {
	sb.conversation = name
	sb.render()
}

func (sb *StatusBar) SetState(s status.State) {
	sb.state = s
	sb.render()
}

func (sb *StatusBar) SetHints(h string) {
	sb.hints = h
	sb.render()
}

// SetFlash sets a temporary message; "" clears it.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, StatusLine(sb.workspace, sb.conversation, sb.state, sb.hints, sb.flash))
}

// StatusLine formats the status bar content.
func StatusLine(workspace, conversation string, state status.State, hints, flash string) string {
	color := "white"
	switch state {
	case status.Live:
		color = "green"
	case status.Loading:
		color = "yellow"
	case status.Failed:
		color = "red"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | [%s]%s[-]", escape(workspace), sanitize(conversation), color, state)
	if hints != "" {
		line += " | " + escape(hints)
	}
	if flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sanitize(flash))
	}
	return line
}
