// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// startServer binds a server on a random port with an echo and a failing
// method, and serves it until the test ends.
func startServer(t testing.TB, transport string) Server {
	t.Helper()

	server, err := Listen("127.0.0.1:0", WithServerTransport(transport), WithServerLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))))
	require.NoError(t, err)

	require.NoError(t, server.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	require.NoError(t, server.RegisterRaw("fail", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("handler exploded")
	}))
	require.NoError(t, server.RegisterRaw("slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return payload, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return server
}

func TestTransportRoundTrip(t *testing.T) {
	for _, transport := range []string{TransportZAP, TransportJSON} {
		t.Run(transport, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			server := startServer(t, transport)

			peer, err := Dial(ctx, server.Addr(), WithTransport(transport))
			require.NoError(t, err)
			defer peer.Close()

			payload := []byte("hello world")
			resp, err := peer.CallRaw(ctx, "echo", payload)
			require.NoError(t, err)
			assert.Equal(t, payload, resp)

			_, err = peer.CallRaw(ctx, "fail", nil)
			require.Error(t, err)

			_, err = peer.CallRaw(ctx, "missing", nil)
			require.Error(t, err)

			require.NoError(t, peer.Notify(ctx, "echo", payload))
		})
	}
}

func TestZAPHandlerErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, TransportZAP)

	peer, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.CallRaw(ctx, "fail", nil)
	require.EqualError(t, err, "handler exploded")

	_, err = peer.CallRaw(ctx, "missing", nil)
	require.EqualError(t, err, "unknown method: missing")
}

func TestZAPCallTimeout(t *testing.T) {
	server := startServer(t, TransportZAP)

	peer, err := Dial(context.Background(), server.Addr())
	require.NoError(t, err)
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = peer.CallRaw(ctx, "slow", []byte("x"))
	require.ErrorIs(t, err, ErrZAPTimeout)
}

func TestZAPClosedConn(t *testing.T) {
	server := startServer(t, TransportZAP)

	peer, err := Dial(context.Background(), server.Addr())
	require.NoError(t, err)
	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close(), "closing twice is harmless")

	_, err = peer.CallRaw(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrZAPClosed)
	require.ErrorIs(t, peer.Notify(context.Background(), "echo", nil), ErrZAPClosed)
}

func TestUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("carrier-pigeon"))
	require.Error(t, err)

	_, err = Listen("127.0.0.1:0", WithServerTransport("carrier-pigeon"))
	require.Error(t, err)

	assert.True(t, HasTransport(TransportZAP))
	assert.True(t, HasTransport(TransportJSON))
	assert.Contains(t, AvailableTransports(), TransportZAP)
}

func BenchmarkZAPRoundTrip(b *testing.B) {
	ctx := context.Background()
	server := startServer(b, TransportZAP)

	peer, err := Dial(ctx, server.Addr())
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer peer.Close()

	payload := make([]byte, 1024)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := peer.CallRaw(ctx, "echo", payload); err != nil {
			b.Fatal(err)
		}
	}
}
