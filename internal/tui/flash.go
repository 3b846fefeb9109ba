package tui

import (
	"sync"
	"time"
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.Mutex
	message string
	expires time.Time
	now     func() time.Time
}

// Set shows msg for d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = f.clock().Add(d)
}

// Get returns the current message, or "" once expired.
func (f *Flash) Get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clock().After(f.expires) {
		return ""
	}
	return f.message
}

func (f *Flash) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}
