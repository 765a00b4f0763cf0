package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestForwardCopiesPayloads(t *testing.T) {
	src := make(chan *redis.Message, 2)
	out := make(chan []byte, 2)
	src <- &redis.Message{Payload: "a"}
	src <- &redis.Message{Payload: "b"}
	close(src)

	forward(context.Background(), src, out)

	assert.Equal(t, []byte("a"), <-out)
	assert.Equal(t, []byte("b"), <-out)
}

func TestForwardUnblocksOnCancelWithFullBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := make(chan *redis.Message, 2)
	out := make(chan []byte, 1)
	out <- []byte("stuck")
	src <- &redis.Message{Payload: "blocked"}

	done := make(chan struct{})
	go func() {
		forward(ctx, src, out)
		close(done)
	}()

	// Let the pump park on the full channel before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit after cancellation")
	}
}
