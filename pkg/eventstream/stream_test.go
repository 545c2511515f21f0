package eventstream

import (
	"testing"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/stretchr/testify/require"
)

func TestStream_DeliversInPublishOrder(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.StopWait()

	s := New[int](pool)
	defer s.Close()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			s.Publish(i)
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case v := <-s.Events():
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStream_CloseStopsDelivery(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.StopWait()

	s := New[string](pool)
	s.Publish("before")
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not report done")
	}

	// Publishing after close must be a harmless no-op.
	s.Publish("after")
}
