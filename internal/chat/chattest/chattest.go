// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"herald/internal/chat"
)

// Sent records one successful Send.
type Sent struct {
	Channel chat.Channel
	Body    string
	At      time.Time
}

// Client hands out Sessions keyed by credential. Credentials listed in
// Reject fail to connect.
type Client struct {
	mu       sync.Mutex
	sessions map[chat.Credential]*Session
	reject   map[chat.Credential]error
	connects int
}

func NewClient() *Client {
	return &Client{
		sessions: map[chat.Credential]*Session{},
		reject:   map[chat.Credential]error{},
	}
}

// Reject makes Connect fail for cred with a LoginError wrapping err.
func (c *Client) Reject(cred chat.Credential, err error) {
	if err == nil {
		err = errors.New("unauthorized")
	}
	c.mu.Lock()
	c.reject[cred] = err
	c.mu.Unlock()
}

// Session returns the session for cred, creating it if needed, so tests can
// prepare it before the worker connects.
func (c *Client) Session(cred chat.Credential) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[cred]
	if s == nil || s.isClosed() {
		s = NewSession("self-" + string(cred))
		c.sessions[cred] = s
	}
	return s
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Connect(ctx context.Context, cred chat.Credential) (chat.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.connects++
	err := c.reject[cred]
	c.mu.Unlock()
	if err != nil {
		return nil, &chat.LoginError{Credential: cred, Err: err}
	}
	return c.Session(cred), nil
}

// Session is an in-memory chat.Session.
type Session struct {
	self    string
	inbound chan chat.DirectMessage

	mu        sync.Mutex
	channels  map[string]chat.Channel
	history   map[string][]chat.DirectMessage
	sent      []Sent
	blocked   []string
	sendErrs  []error
	sendHook  func(ch chat.Channel, body string) error
	blockErr  error
	resolveEr error
	closed    bool
	notify    chan struct{}
}

func NewSession(self string) *Session {
	return &Session{
		self:     self,
		inbound:  make(chan chat.DirectMessage, 64),
		channels: map[string]chat.Channel{},
		history:  map[string][]chat.DirectMessage{},
		notify:   make(chan struct{}, 1),
	}
}

func (s *Session) Self() string { return s.self }

func (s *Session) Inbound() <-chan chat.DirectMessage { return s.inbound }

// AddChannel registers a resolvable channel.
func (s *Session) AddChannel(ch chat.Channel) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()
}

// Deliver pushes an inbound DM and records it in the channel history. The
// event and the history entry carry the same channel and timestamp.
func (s *Session) Deliver(m chat.DirectMessage) {
	m = stamp(m)
	s.record(m)
	s.inbound <- m
}

// Remember records m in history without delivering it as an event.
func (s *Session) Remember(m chat.DirectMessage) {
	s.record(stamp(m))
}

// stamp fills in a private DM channel and the current time when unset.
func stamp(m chat.DirectMessage) chat.DirectMessage {
	if m.Channel.ID == "" {
		m.Channel = chat.Channel{ID: "dm-" + m.AuthorID, Private: true}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

func (s *Session) record(m chat.DirectMessage) {
	s.mu.Lock()
	s.channels[m.Channel.ID] = m.Channel
	s.history[m.Channel.ID] = append(s.history[m.Channel.ID], m)
	s.mu.Unlock()
}

// FailSends queues errors returned by the next Send calls, in order.
func (s *Session) FailSends(errs ...error) {
	s.mu.Lock()
	s.sendErrs = append(s.sendErrs, errs...)
	s.mu.Unlock()
}

// OnSend installs a hook consulted by Send after queued errors.
func (s *Session) OnSend(fn func(ch chat.Channel, body string) error) {
	s.mu.Lock()
	s.sendHook = fn
	s.mu.Unlock()
}

func (s *Session) FailBlock(err error) {
	s.mu.Lock()
	s.blockErr = err
	s.mu.Unlock()
}

func (s *Session) FailResolve(err error) {
	s.mu.Lock()
	s.resolveEr = err
	s.mu.Unlock()
}

// Sent returns successful sends, optionally filtered by channel ID.
func (s *Session) Sent(channelID string) []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channelID == "" {
		return slices.Clone(s.sent)
	}
	var out []Sent
	for _, m := range s.sent {
		if m.Channel.ID == channelID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) Blocked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.blocked)
}

// Notify receives a value after every Send or Block attempt.
func (s *Session) Notify() <-chan struct{} { return s.notify }

func (s *Session) ping() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) ResolveChannel(ctx context.Context, id string) (chat.Channel, error) {
	if err := ctx.Err(); err != nil {
		return chat.Channel{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.Channel{}, chat.ErrClosed
	}
	if s.resolveEr != nil {
		return chat.Channel{}, s.resolveEr
	}
	ch, ok := s.channels[id]
	if !ok {
		return chat.Channel{}, chat.PermissionDenied("resolve", errors.New("channel not found: "+id))
	}
	return ch, nil
}

func (s *Session) Send(ctx context.Context, ch chat.Channel, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.ping()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	var queued error
	if len(s.sendErrs) > 0 {
		queued = s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
	}
	hook := s.sendHook
	s.mu.Unlock()

	if queued != nil {
		return queued
	}
	if hook != nil {
		if err := hook(ch, body); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, Sent{Channel: ch, Body: body, At: time.Now()})
	s.mu.Unlock()
	return nil
}

func (s *Session) FetchRecentHistory(ctx context.Context, ch chat.Channel, since time.Time, limit int) ([]chat.DirectMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[ch.ID]
	var out []chat.DirectMessage
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !all[i].CreatedAt.Before(since) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Session) Block(ctx context.Context, correspondentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.ping()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return s.blockErr
	}
	s.blocked = append(s.blocked, correspondentID)
	return nil
}

func (s *Session) DirectChannels(ctx context.Context) ([]chat.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Channel
	for _, ch := range s.channels {
		if ch.Private {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b chat.Channel) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.inbound)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
