package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeClient struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	committed []int64
	closed    bool
}

func (f *fakeClient) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	if len(f.batches) > 0 {
		next := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return next
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func (f *fakeClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		f.committed = append(f.committed, r.Offset)
	}
	return nil
}

func (f *fakeClient) Close() {
	f.closed = true
}

func (f *fakeClient) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func batch(topic string, offsets ...int64) kgo.Fetches {
	records := make([]*kgo.Record, 0, len(offsets))
	for _, off := range offsets {
		records = append(records, &kgo.Record{Topic: topic, Offset: off, Value: []byte("v")})
	}
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      topic,
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
		}},
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumerRun(t *testing.T) {
	t.Run("commits handled records in order", func(t *testing.T) {
		cl := &fakeClient{batches: []kgo.Fetches{batch("identity.outputs", 0, 1, 2)}}
		var seen []int64
		var mu sync.Mutex
		done := make(chan struct{})
		handler := HandlerFunc(func(_ context.Context, msg *Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, msg.Offset)
			if len(seen) == 3 {
				close(done)
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		c := newConsumer(cl, handler, WithLogger(quietLogger()))
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx) }()

		<-done
		require.Eventually(t, func() bool { return len(cl.committedOffsets()) == 3 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-errCh)
		assert.Equal(t, []int64{0, 1, 2}, seen)
		assert.Equal(t, []int64{0, 1, 2}, cl.committedOffsets())
	})

	t.Run("failing record is retried before later records", func(t *testing.T) {
		cl := &fakeClient{batches: []kgo.Fetches{batch("identity.outputs", 0, 1)}}
		var attempts []int64
		var mu sync.Mutex
		done := make(chan struct{})
		failures := 2
		handler := HandlerFunc(func(_ context.Context, msg *Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, msg.Offset)
			if msg.Offset == 0 && failures > 0 {
				failures--
				return errors.New("store unavailable")
			}
			if msg.Offset == 1 {
				close(done)
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		c := newConsumer(cl, handler, WithLogger(quietLogger()), WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx) }()

		<-done
		require.Eventually(t, func() bool { return len(cl.committedOffsets()) == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-errCh)
		assert.Equal(t, []int64{0, 0, 0, 1}, attempts)
	})

	t.Run("cancellation mid-retry commits only handled records", func(t *testing.T) {
		cl := &fakeClient{batches: []kgo.Fetches{batch("identity.outputs", 0, 1)}}
		ctx, cancel := context.WithCancel(context.Background())
		handler := HandlerFunc(func(_ context.Context, msg *Message) error {
			if msg.Offset == 1 {
				cancel()
				return errors.New("store unavailable")
			}
			return nil
		})

		c := newConsumer(cl, handler, WithLogger(quietLogger()), WithRetryBackoff(time.Hour, time.Hour))
		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []int64{0}, cl.committedOffsets())
	})
}

func TestNewRequiresConfig(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *Message) error { return nil })

	_, err := New(Config{Brokers: []string{"localhost:9092"}, Group: "g"}, nil, nil)
	assert.ErrorContains(t, err, "message handler is required")

	_, err = New(Config{Group: "g"}, noop, nil)
	assert.ErrorContains(t, err, "kafka brokers are required")

	_, err = New(Config{Brokers: []string{"localhost:9092"}}, noop, nil)
	assert.ErrorContains(t, err, "consumer group is required")
}

func TestRouter(t *testing.T) {
	var routed []string
	record := func(name string) Handler {
		return HandlerFunc(func(context.Context, *Message) error {
			routed = append(routed, name)
			return nil
		})
	}

	t.Run("registered topic", func(t *testing.T) {
		routed = nil
		r := NewRouter(quietLogger(), nil)
		r.Register("identity.outputs", record("outputs"))
		require.NoError(t, r.Handle(context.Background(), &Message{Topic: "identity.outputs"}))
		assert.Equal(t, []string{"outputs"}, routed)
		assert.Equal(t, []string{"identity.outputs"}, r.Topics())
	})

	t.Run("unknown topic uses fallback", func(t *testing.T) {
		routed = nil
		r := NewRouter(quietLogger(), record("fallback"))
		require.NoError(t, r.Handle(context.Background(), &Message{Topic: "other"}))
		assert.Equal(t, []string{"fallback"}, routed)
	})

	t.Run("unknown topic without fallback is skipped", func(t *testing.T) {
		routed = nil
		r := NewRouter(quietLogger(), nil)
		assert.NoError(t, r.Handle(context.Background(), &Message{Topic: "other"}))
		assert.Empty(t, routed)
	})
}
