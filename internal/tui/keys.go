package tui

import (
	"slices"
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Action is a single key binding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
}

// Matches reports whether ev triggers a.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds bindings in registration order.
type Registry struct {
	actions []*Action
}

func (r *Registry) Add(a *Action) {
	r.actions = append(r.actions, a)
}

// Hints returns the descriptions joined for the status bar.
func (r *Registry) Hints() string {
	hints := make([]string, 0, len(r.actions))
	for _, a := range r.actions {
		if a.Description != "" {
			hints = append(hints, a.Description)
		}
	}
	return strings.Join(slices.Compact(hints), " ")
}

// HandleEvent runs the first matching handler and reports whether one ran.
func (r *Registry) HandleEvent(ev *tcell.EventKey) bool {
	for _, a := range r.actions {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
