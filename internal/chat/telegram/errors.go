package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/chat"
)

// classify maps telebot errors onto the chat error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return chat.RateLimited(op, time.Duration(flood.RetryAfter)*time.Second,
			fmt.Errorf("flood control: retry after %ds", flood.RetryAfter))
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return chat.RateLimited(op, time.Duration(floodPtr.RetryAfter)*time.Second,
			fmt.Errorf("flood control: retry after %ds", floodPtr.RetryAfter))
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		switch {
		case te.Code == 401 || te.Code == 403:
			return chat.PermissionDenied(op, err)
		case te.Code == 400 && isChatNotFound(te):
			return chat.PermissionDenied(op, err)
		case te.Code == 429:
			return chat.RateLimited(op, 0, err)
		case te.Code >= 500:
			return chat.Transient(op, err)
		default:
			return chat.Unknown(op, err)
		}
	}

	var ne net.Error
	var ue *url.Error
	if errors.As(err, &ne) || errors.As(err, &ue) {
		return chat.Transient(op, err)
	}
	return chat.Unknown(op, err)
}

func isChatNotFound(te *tele.Error) bool {
	return strings.Contains(strings.ToLower(te.Description), "chat not found")
}

// loginError decides whether a failed connect is permanent for the token.
func loginError(cred chat.Credential, err error) error {
	var te *tele.Error
	if errors.As(err, &te) && te != nil && (te.Code == 401 || te.Code == 404) {
		return &chat.LoginError{Credential: cred, Err: err}
	}
	return classify("connect", err)
}
