package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

// historyCap bounds the recent-notification buffer; older entries are
// evicted, never persisted.
const historyCap = 50

type ToastSeverity string

const (
	ToastSuccess ToastSeverity = "success"
	ToastError   ToastSeverity = "error"
	ToastWarning ToastSeverity = "warning"
	ToastInfo    ToastSeverity = "info"
)

// Notification is the normalized, UI-facing event. Every inbound domain
// event, live or polled, is converted into this shape.
type Notification struct {
	LocalID   int64
	ID        string
	Type      string
	Title     string
	Message   string
	Priority  string
	Data      map[string]any
	Severity  ToastSeverity
	Timestamp time.Time
	Read      bool
}

// classify maps an event to its toast severity.
func classify(eventType, priority string) ToastSeverity {
	switch {
	case strings.Contains(eventType, "approved"):
		return ToastSuccess
	case strings.Contains(eventType, "rejected"):
		return ToastError
	case priority == "high":
		return ToastWarning
	default:
		return ToastInfo
	}
}

// dedupeKey identifies an event across the live and polled delivery paths.
func dedupeKey(n wire.Notification) string {
	if n.ID != "" {
		return n.ID
	}
	return fmt.Sprintf("%s|%d", n.Type, n.Timestamp)
}

// ingest normalizes one inbound event into the history, suppressing
// duplicate delivery of an event already received through the other path.
// Reports whether the event was inserted.
func (c *Client) ingest(raw wire.Notification) bool {
	key := dedupeKey(raw)

	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		return false
	}
	c.seen[key] = struct{}{}

	ts := time.Now()
	if raw.Timestamp > 0 {
		ts = time.UnixMilli(raw.Timestamp)
	}
	n := Notification{
		LocalID:   c.nextLocalID(),
		ID:        raw.ID,
		Type:      raw.Type,
		Title:     raw.Title,
		Message:   raw.Message,
		Priority:  raw.Priority,
		Data:      raw.Data,
		Severity:  classify(raw.Type, raw.Priority),
		Timestamp: ts,
	}

	c.notifs = append(c.notifs, historyEntry{Notification: n, key: key})
	if len(c.notifs) > historyCap {
		// Evicted entries leave the dedupe window with the history.
		delete(c.seen, c.notifs[0].key)
		c.notifs = c.notifs[1:]
	}
	handler := c.opts.OnNotification
	c.mu.Unlock()

	if handler != nil {
		handler(n)
	}
	c.playCues(n)
	return true
}

type historyEntry struct {
	Notification
	key string
}

// Notifications returns a copy of the recent history, oldest first.
func (c *Client) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.notifs))
	for i, e := range c.notifs {
		out[i] = e.Notification
	}
	return out
}

// MarkRead flips the read flag of one notification.
func (c *Client) MarkRead(localID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notifs {
		if c.notifs[i].LocalID == localID {
			c.notifs[i].Read = true
			return
		}
	}
}

// Cue is the best-effort side channel: a short audio cue and, when
// permission was previously granted, a platform notification. Failures in
// either are swallowed.
type Cue interface {
	Play()
	Notify(title, message string)
}

func (c *Client) playCues(n Notification) {
	cue := c.opts.Cue
	if cue == nil {
		return
	}
	go func() {
		defer func() { _ = recover() }()
		cue.Play()
		cue.Notify(n.Title, n.Message)
	}()
}
