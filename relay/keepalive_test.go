package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepalive_Tick(t *testing.T) {
	r := NewRegistry(nil)
	_, a := register(t, r, 1, "A")
	_, b := register(t, r, 2, "B")
	b.failWrites(brokenPipe())
	k := NewKeepalive(NewDelivery(r, 0, nil, nil), time.Hour, nil)

	assert.Equal(t, 1, k.Tick())
	assert.Equal(t, "%p%;", a.Written())

	_, ok := r.Lookup("B")
	assert.False(t, ok)
}

func TestKeepalive_Run(t *testing.T) {
	r := NewRegistry(nil)
	_, a := register(t, r, 1, "A")
	k := NewKeepalive(NewDelivery(r, 0, nil, nil), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return strings.Count(a.Written(), "%p%;") >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop")
	}
}

func TestNewKeepalive_DefaultInterval(t *testing.T) {
	k := NewKeepalive(nil, 0, nil)
	assert.Equal(t, DefaultKeepaliveInterval, k.interval)
}
