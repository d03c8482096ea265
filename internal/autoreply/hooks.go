package autoreply

import (
	"context"

	"herald/internal/chat"
)

// Hook runs once after a reply was sent and newly recorded in the ledger.
// Errors are logged and never undo the reply.
type Hook interface {
	Name() string
	AfterReply(ctx context.Context, sess chat.Session, m chat.DirectMessage) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	ID string
	Fn func(ctx context.Context, sess chat.Session, m chat.DirectMessage) error
}

func (h HookFunc) Name() string { return h.ID }

func (h HookFunc) AfterReply(ctx context.Context, sess chat.Session, m chat.DirectMessage) error {
	return h.Fn(ctx, sess, m)
}

// BlockHook blocks the correspondent after the reply.
type BlockHook struct{}

func (BlockHook) Name() string { return "block" }

func (BlockHook) AfterReply(ctx context.Context, sess chat.Session, m chat.DirectMessage) error {
	return sess.Block(ctx, m.AuthorID)
}
