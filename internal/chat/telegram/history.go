package telegram

import (
	"strings"
	"time"

	"herald/internal/chat"
)

// ring keeps the newest n messages of one chat.
type ring struct {
	buf  []chat.DirectMessage
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]chat.DirectMessage, n)} }

func (r *ring) push(m chat.DirectMessage) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// since returns messages not older than t, newest first, at most limit
// (limit <= 0 means all).
func (r *ring) since(t time.Time, limit int) []chat.DirectMessage {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	var out []chat.DirectMessage
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		m := r.buf[idx]
		if m.CreatedAt.Before(t) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

const textLimit = 4000

// splitText cuts long text into chunks of at most limit runes, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
