package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/stretchr/testify/require"
	"github.com/vibehub/room-server/pkg/protocol"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	pool := workerpool.New(4)
	t.Cleanup(pool.StopWait)
	return NewChannel(NewChannel_Params{
		Pool:   pool,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func msg(from, to protocol.UserID, seq uint64) protocol.SignalingMessage {
	return protocol.SignalingMessage{
		Kind:    protocol.SignalOffer,
		RoomID:  "r1",
		From:    from,
		To:      to,
		Seq:     seq,
		Payload: json.RawMessage(`{}`),
	}
}

func recv(t *testing.T, sub *Subscription) protocol.SignalingMessage {
	t.Helper()
	select {
	case m := <-sub.Events():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signaling message")
		return protocol.SignalingMessage{}
	}
}

func TestSend_NoRecipient(t *testing.T) {
	c := newTestChannel(t)
	err := c.Send(msg("a", "b", 1))
	require.ErrorIs(t, err, protocol.ErrPeerUnavailable)
}

func TestSend_ReordersOutOfOrderArrivals(t *testing.T) {
	c := newTestChannel(t)

	sub := c.Subscribe("r1", "b")
	defer sub.Close()

	// Shuffled transport: deliver 1..20 in random order.
	seqs := rand.Perm(20)
	for _, s := range seqs {
		require.NoError(t, c.Send(msg("a", "b", uint64(s+1))))
	}

	for want := uint64(1); want <= 20; want++ {
		require.Equal(t, want, recv(t, sub).Seq)
	}
}

func TestSend_DuplicatesAreDropped(t *testing.T) {
	c := newTestChannel(t)

	sub := c.Subscribe("r1", "b")
	defer sub.Close()

	require.NoError(t, c.Send(msg("a", "b", 1)))
	require.NoError(t, c.Send(msg("a", "b", 2)))
	require.NoError(t, c.Send(msg("a", "b", 1)))
	require.NoError(t, c.Send(msg("a", "b", 3)))

	require.Equal(t, uint64(1), recv(t, sub).Seq)
	require.Equal(t, uint64(2), recv(t, sub).Seq)
	require.Equal(t, uint64(3), recv(t, sub).Seq)
}

func TestPairs_AreIndependent(t *testing.T) {
	c := newTestChannel(t)

	subB := c.Subscribe("r1", "b")
	defer subB.Close()

	// a->b stuck waiting for seq 1; c->b at seq 1 flows through.
	require.NoError(t, c.Send(msg("a", "b", 2)))
	require.NoError(t, c.Send(msg("c", "b", 1)))

	got := recv(t, subB)
	require.Equal(t, protocol.UserID("c"), got.From)

	require.NoError(t, c.Send(msg("a", "b", 1)))
	require.Equal(t, protocol.UserID("a"), recv(t, subB).From)
	require.Equal(t, uint64(2), recv(t, subB).Seq)
}

func TestUnsubscribe_ResetsPairState(t *testing.T) {
	c := newTestChannel(t)

	sub := c.Subscribe("r1", "b")
	require.NoError(t, c.Send(msg("a", "b", 1)))
	require.Equal(t, uint64(1), recv(t, sub).Seq)
	sub.Close()

	err := c.Send(msg("a", "b", 2))
	require.ErrorIs(t, err, protocol.ErrPeerUnavailable)

	// A fresh subscription starts each pair at seq 1 again.
	sub = c.Subscribe("r1", "b")
	defer sub.Close()
	require.NoError(t, c.Send(msg("a", "b", 1)))
	require.Equal(t, uint64(1), recv(t, sub).Seq)
}
