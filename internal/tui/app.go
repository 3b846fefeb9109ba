// Package tui is the terminal conversation window.
package tui

import (
	"context"
	"errors"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const flashFor = 5 * time.Second

// App mounts one conversation view in a terminal window.
type App struct {
	app       *tview.Application
	view      *conversation.View
	key       conversation.Key
	thread    *views.Thread
	composer  *views.Composer
	statusBar *views.StatusBar
	registry  *Registry
	flash     Flash
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the window for key. title names the conversation.
func NewApp(v *conversation.View, key conversation.Key, title, workspace string, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:       tview.NewApplication(),
		view:      v,
		key:       key,
		thread:    views.NewThread(v.Viewer(), time.Local),
		composer:  views.NewComposer(),
		statusBar: views.NewStatusBar(workspace),
		registry:  &Registry{},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.thread.SetConversation(title)
	a.statusBar.SetConversation(key.String())
	a.setupBindings()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.Add(&Action{Key: tcell.KeyRune, Rune: 'i', Description: "i:compose", Handler: func() {
		a.app.SetFocus(a.composer.InputField)
	}})
	a.registry.Add(&Action{Key: tcell.KeyRune, Rune: 'r', Description: "r:retry", Handler: a.retryLastFailed})
	a.registry.Add(&Action{Key: tcell.KeyRune, Rune: 'x', Description: "x:discard", Handler: a.discardLastFailed})
	a.registry.Add(&Action{Key: tcell.KeyRune, Rune: 'o', Description: "o:reopen", Handler: a.reopen})
	a.registry.Add(&Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: a.Stop})
	a.statusBar.SetHints(a.registry.Hints())

	a.composer.SetOnSend(func(text string) {
		go func() {
			if _, err := a.view.Send(a.ctx, text); err != nil {
				a.report("Send failed", err)
			}
		}()
	})
}

func (a *App) setupLayout() {
	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if a.composer.HasFocus() {
			if ev.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.thread)
				return nil
			}
			return ev
		}
		if a.registry.HandleEvent(ev) {
			return nil
		}
		return ev
	})
}

func (a *App) retryLastFailed() {
	m, ok := a.view.LastFailed()
	if !ok {
		a.flash.Set("Nothing to retry", flashFor)
		a.statusBar.SetFlash(a.flash.Get())
		return
	}
	go func() {
		if _, err := a.view.Retry(a.ctx, m.ID); err != nil {
			a.report("Retry failed", err)
		}
	}()
}

// reopen loads the conversation again after it failed.
func (a *App) reopen() {
	if a.view.Status() != status.Failed {
		return
	}
	go a.open()
}

func (a *App) open() {
	// Failures that leave the view Failed are reported by refreshLoop.
	if err := a.view.Open(a.ctx, a.key); err != nil && a.view.Status() != status.Failed {
		a.report("Load failed", err)
	}
}

// failureFlash is the notice for a view that failed with err, or false when
// shown was already reported.
func failureFlash(state status.State, err, shown error) (string, bool) {
	if state != status.Failed || err == nil || err == shown {
		return "", false
	}
	return "Conversation failed: " + err.Error() + " (o to reopen)", true
}

func (a *App) discardLastFailed() {
	m, ok := a.view.LastFailed()
	if !ok {
		return
	}
	if err := a.view.Discard(m.ID); err != nil {
		a.report("Discard failed", err)
	}
}

// report flashes err; safe to call from any goroutine.
func (a *App) report(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.logger.Warn(what, zap.Error(err))
	a.flash.Set(what+": "+err.Error(), flashFor)
	a.app.QueueUpdateDraw(func() { a.statusBar.SetFlash(a.flash.Get()) })
}

func (a *App) render() {
	a.thread.Update(a.view.Messages(), time.Now())
	a.statusBar.SetState(a.view.Status())
	a.statusBar.SetFlash(a.flash.Get())
}

// Run opens the conversation and blocks until the window is closed.
func (a *App) Run() error {
	go a.open()
	go a.refreshLoop()
	err := a.app.Run()
	a.cancel()
	_ = a.view.Close()
	return err
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var shown error
	for {
		select {
		case <-a.view.RefreshCh():
			err := a.view.Err()
			if msg, ok := failureFlash(a.view.Status(), err, shown); ok {
				shown = err
				a.logger.Warn("conversation failed", zap.Error(err))
				a.flash.Set(msg, flashFor)
			}
			a.app.QueueUpdateDraw(a.render)
		case <-ticker.C:
			// Expire flashes and roll "Today" over at midnight.
			a.app.QueueUpdateDraw(a.render)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop closes the window.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
