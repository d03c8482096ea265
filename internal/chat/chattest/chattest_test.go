package chattest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/chat"
)

func TestDeliverStampsInboundAndHistory(t *testing.T) {
	s := NewSession("self")
	before := time.Now()
	s.Deliver(chat.DirectMessage{ID: "m1", AuthorID: "42", Body: "hi"})

	var got chat.DirectMessage
	select {
	case got = <-s.Inbound():
	default:
		t.Fatal("no inbound message")
	}
	assert.Equal(t, chat.Channel{ID: "dm-42", Private: true}, got.Channel)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.CreatedAt.Before(before))

	hist, err := s.FetchRecentHistory(context.Background(), got.Channel, before, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, got, hist[0])

	chans, err := s.DirectChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []chat.Channel{got.Channel}, chans)
}

func TestDeliverKeepsExplicitChannelAndTime(t *testing.T) {
	s := NewSession("self")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ch := chat.Channel{ID: "room", Private: true}
	s.Deliver(chat.DirectMessage{ID: "m1", AuthorID: "7", Channel: ch, CreatedAt: at})

	got := <-s.Inbound()
	assert.Equal(t, ch, got.Channel)
	assert.Equal(t, at, got.CreatedAt)
}
