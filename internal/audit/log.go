// Package audit records approval, anchoring and ledger events as structured
// log lines and keeps the most recent ones for the admin API.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"certledger.org/internal/auth"
	"certledger.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Entry is one audit record.
type Entry struct {
	TS        time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context
// and keeps it in the recent-events trail.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := Entry{
		TS:        time.Now().UTC(),
		Type:      "audit",
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    map[string]any{},
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry.UserID = userID
	}
	if len(fields) > 0 {
		entry.Fields = maps.Clone(fields)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	trail.add(entry)
	return nil
}

// Recent returns up to limit entries, newest first, optionally restricted to
// events starting with prefix.
func Recent(limit int, prefix string) []Entry {
	return trail.recent(limit, prefix)
}

const trailSize = 1024

var trail = &ring{buf: make([]Entry, trailSize)}

type ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) recent(limit int, prefix string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		e := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if prefix != "" && !strings.HasPrefix(e.Event, prefix) {
			continue
		}
		out = append(out, e)
	}
	return out
}
