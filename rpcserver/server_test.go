package rpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/wire"
)

func loopbackAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func newPair(t *testing.T, handlerA, handlerB RequestHandler) (*Server, *Server, common.Id, common.Id) {
	t.Helper()
	idA, idB := common.Id{1}, common.Id{2}
	a, err := New(idA, loopbackAddr(t), handlerA, Config{})
	require.NoError(t, err)
	b, err := New(idB, loopbackAddr(t), handlerB, Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Serve(ctx)
	go b.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
	})
	return a, b, idA, idB
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b, _, idB := newPair(t, nil, func(from *net.UDPAddr, sender common.Id, method wire.Method, req *wire.Request) (*wire.Response, error) {
		return &wire.Response{Token: []byte("tok")}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := a.Request(ctx, b.LocalAddr(), idB, wire.MethodPing, &wire.Request{SenderId: common.Id{1}}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("tok"), resp.Token)
}

func TestRequestTimeout(t *testing.T) {
	a, _, _, idB := newPair(t, nil, nil)
	unreachable := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := a.Request(ctx, unreachable, idB, wire.MethodPing, &wire.Request{SenderId: common.Id{1}}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWireErrorPropagates(t *testing.T) {
	a, b, _, idB := newPair(t, nil, func(from *net.UDPAddr, sender common.Id, method wire.Method, req *wire.Request) (*wire.Response, error) {
		return nil, dhterror.New(dhterror.SeqNotMonotonic, "stale")
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Request(ctx, b.LocalAddr(), idB, wire.MethodStoreValue, &wire.Request{SenderId: common.Id{1}}, time.Second)
	var de *dhterror.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, dhterror.SeqNotMonotonic, de.Code)
}

func TestCanceledContext(t *testing.T) {
	a, _, _, idB := newPair(t, nil, nil)
	unreachable := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := a.Request(ctx, unreachable, idB, wire.MethodPing, &wire.Request{SenderId: common.Id{1}}, 5*time.Second)
	require.ErrorIs(t, err, ErrCanceled)
}
