package rtdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), "redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestClientHashRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "comsrv:1:T", "1001", []byte(`{"value":50}`)))
	v, ok, err := c.HGet(ctx, "comsrv:1:T", "1001")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"value":50}`, string(v))

	all, err := c.HGetAll(ctx, "comsrv:1:T")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestClientListFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.RPush(ctx, "q", []byte("a")))
	require.NoError(t, c.RPush(ctx, "q", []byte("b")))

	v, ok, err := c.LPop(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(v))

	v, ok, err = c.LPop(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(v))
}

func TestClientPipelineAtomicView(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	err := c.Pipeline(ctx, func(p Pipeline) error {
		p.HSet("route:c2m", "1:T:1001", []byte("5:10"))
		p.HSet("route:m2c", "5:10", []byte("1:T:1001"))
		return nil
	})
	require.NoError(t, err)

	v, ok, err := c.HGet(ctx, "route:m2c", "5:10")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1:T:1001", string(v))
}

func TestClientPublishSubscribe(t *testing.T) {
	c, mr := newTestClient(t)
	_ = mr
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, unsub, err := c.Subscribe(ctx, "1:*")
	require.NoError(t, err)
	defer unsub()

	time.Sleep(50 * time.Millisecond) // allow subscription to register
	n, err := c.Publish(ctx, "1:T", []byte(`{"chan":1}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	select {
	case m := <-msgs:
		require.Equal(t, "1:T", m.Channel)
		require.JSONEq(t, `{"chan":1}`, string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pubsub message")
	}
}

func TestClientScanCollectsAllPages(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Set(ctx, "comsrv:config:channel:1:points:"+string(rune('a'+i)), []byte("x"), 0))
	}
	keys, err := c.Scan(ctx, "comsrv:config:channel:1:points:*", 5)
	require.NoError(t, err)
	require.Len(t, keys, 25)
}

func TestCandidateURLsOrder(t *testing.T) {
	urls := candidateURLs("redis://explicit:6379/0")
	require.Equal(t, "redis://explicit:6379/0", urls[0])
	require.Equal(t, "redis://127.0.0.1:6379/0", urls[len(urls)-1])
}
