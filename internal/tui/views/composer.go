package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for sending messages.
type Composer struct {
	*tview.InputField
	onSend func(text string)
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	c := &Composer{InputField: tview.NewInputField().SetLabel(" > ").SetFieldWidth(0)}
	c.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		if text := c.GetText(); text != "" {
			c.onSend(text)
			c.SetText("")
		}
	})
	return c
}

// SetOnSend sets the callback for Enter.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}
