// Package telegram binds the chat collaborator to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"herald/internal/chat"
	"herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

type Config struct {
	PollTimeout time.Duration // default 10s
	// RatePerSec limits outbound calls per session. 0 means 1/s.
	RatePerSec float64
	Burst      int
	// HistorySize is the number of recent DMs kept per private chat, which
	// backs FetchRecentHistory. 0 means 20.
	HistorySize int
	// InboxSize is the inbound buffer. Updates beyond it are dropped and
	// left to the backstop sweep. 0 means 64.
	InboxSize int
	// BlockChat, when set, is the chat correspondents are banned from on
	// Block. Blocked users are always muted locally.
	BlockChat string
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	return c
}

// Client connects bot tokens.
type Client struct {
	cfg Config
	log logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "telegram"))}
}

func (c *Client) Connect(ctx context.Context, cred chat.Credential) (chat.Session, error) {
	if strings.TrimSpace(cred.Reveal()) == "" {
		return nil, &chat.LoginError{Credential: cred, Err: errors.New("empty token")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cred.Reveal(),
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, loginError(cred, err)
	}
	s := newSession(c.cfg, b, c.log.With(logx.Secret("credential", cred.Reveal())))
	s.start(ctx)
	return s, nil
}

type session struct {
	cfg  Config
	bot  *tele.Bot
	self string
	log  logx.Logger
	lim  *rate.Limiter
	sup  *supervisor.Supervisor

	inbound chan chat.DirectMessage
	dropped atomic.Uint64

	mu      sync.Mutex
	closed  bool
	history map[string]*ring
	dms     map[string]chat.Channel
	muted   map[string]struct{}
}

func newSession(cfg Config, b *tele.Bot, log logx.Logger) *session {
	s := &session{
		cfg:     cfg,
		bot:     b,
		log:     log,
		lim:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		inbound: make(chan chat.DirectMessage, cfg.InboxSize),
		history: map[string]*ring{},
		dms:     map[string]chat.Channel{},
		muted:   map[string]struct{}{},
	}
	if b != nil && b.Me != nil {
		s.self = strconv.FormatInt(b.Me.ID, 10)
		s.log = s.log.With(logx.String("bot", b.Me.Username))
	}
	if b != nil {
		b.Handle(tele.OnText, s.onMessage)
		b.Handle(tele.OnMedia, s.onMessage)
	}
	return s
}

func (s *session) start(ctx context.Context) {
	// Detached from the connect context; Close ends the session.
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))

	s.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	s.sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				s.reportDropped()
				return
			case <-t.C:
				s.reportDropped()
			}
		}
	})
	s.sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *session) reportDropped() {
	if n := s.dropped.Swap(0); n > 0 {
		s.log.Warn("inbound dms dropped (buffer full)", logx.Int64("count", int64(n)), logx.Int("cap", cap(s.inbound)))
	}
}

func (s *session) onMessage(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || !m.Private() {
		return nil
	}
	s.accept(toDirectMessage(m))
	return nil
}

func toDirectMessage(m *tele.Message) chat.DirectMessage {
	author := m.Sender.Username
	if author == "" {
		author = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	}
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	return chat.DirectMessage{
		ID:        strconv.Itoa(m.ID),
		Channel:   chat.Channel{ID: strconv.FormatInt(m.Chat.ID, 10), Name: author, Private: true},
		AuthorID:  strconv.FormatInt(m.Sender.ID, 10),
		Author:    author,
		Body:      body,
		CreatedAt: m.Time(),
	}
}

// accept records dm in history and offers it to the inbound feed without
// blocking the poller.
func (s *session) accept(dm chat.DirectMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.muted[dm.AuthorID]; ok {
		return
	}
	r := s.history[dm.Channel.ID]
	if r == nil {
		r = newRing(s.cfg.HistorySize)
		s.history[dm.Channel.ID] = r
	}
	r.push(dm)
	s.dms[dm.Channel.ID] = dm.Channel

	select {
	case s.inbound <- dm:
	default:
		s.dropped.Add(1)
	}
}

func (s *session) Self() string { return s.self }

func (s *session) Inbound() <-chan chat.DirectMessage { return s.inbound }

func (s *session) ResolveChannel(ctx context.Context, id string) (chat.Channel, error) {
	if err := s.wait(ctx); err != nil {
		return chat.Channel{}, err
	}
	var (
		c   *tele.Chat
		err error
	)
	if n, perr := strconv.ParseInt(id, 10, 64); perr == nil {
		c, err = s.bot.ChatByID(n)
	} else {
		c, err = s.bot.ChatByUsername(id)
	}
	if err != nil {
		return chat.Channel{}, classify("resolve", err)
	}
	name := c.Title
	if name == "" {
		name = c.Username
	}
	return chat.Channel{
		ID:      strconv.FormatInt(c.ID, 10),
		Name:    name,
		Private: c.Type == tele.ChatPrivate,
	}, nil
}

func (s *session) Send(ctx context.Context, ch chat.Channel, body string) error {
	id, err := strconv.ParseInt(ch.ID, 10, 64)
	if err != nil {
		return chat.PermissionDenied("send", errors.New("invalid chat id "+ch.ID))
	}
	to := &tele.Chat{ID: id}
	for _, chunk := range splitText(body, textLimit) {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if _, err := s.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify("send", err)
		}
	}
	return nil
}

func (s *session) FetchRecentHistory(ctx context.Context, ch chat.Channel, since time.Time, limit int) ([]chat.DirectMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.history[ch.ID]
	if r == nil {
		return nil, nil
	}
	return r.since(since, limit), nil
}

func (s *session) DirectChannels(ctx context.Context) ([]chat.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Channel, 0, len(s.dms))
	for _, ch := range s.dms {
		out = append(out, ch)
	}
	return out, nil
}

// Block mutes the correspondent for this session and, with BlockChat set,
// bans them from that chat.
func (s *session) Block(ctx context.Context, correspondentID string) error {
	uid, err := strconv.ParseInt(correspondentID, 10, 64)
	if err != nil {
		return chat.Unknown("block", errors.New("invalid user id "+correspondentID))
	}
	s.mu.Lock()
	s.muted[correspondentID] = struct{}{}
	s.mu.Unlock()

	if s.cfg.BlockChat == "" {
		return nil
	}
	target, err := s.ResolveChannel(ctx, s.cfg.BlockChat)
	if err != nil {
		return err
	}
	cid, _ := strconv.ParseInt(target.ID, 10, 64)
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.bot.Ban(&tele.Chat{ID: cid}, &tele.ChatMember{User: &tele.User{ID: uid}}); err != nil {
		return classify("block", err)
	}
	return nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.inbound)
	s.mu.Unlock()

	if s.sup == nil {
		return nil
	}
	// Long polls may outlive the grace window; never block shutdown on them.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram session stop error", logx.Err(err))
	}
	return nil
}

func (s *session) wait(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return chat.ErrClosed
	}
	return s.lim.Wait(ctx)
}
