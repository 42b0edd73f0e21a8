package task

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// fakeTransport answers every Request with canned per-id responses.
type fakeTransport struct {
	responses map[common.Id]*wire.Response
}

func (f *fakeTransport) Request(ctx context.Context, addr *net.UDPAddr, id common.Id, method wire.Method, req *wire.Request, timeout time.Duration) (*wire.Response, error) {
	if r, ok := f.responses[id]; ok {
		return r, nil
	}
	return nil, errNoRoute
}

var errNoRoute = &net.AddrError{Err: "no route", Addr: "fake"}

func mkContact(idByte byte, port int) *kbucket.Contact {
	var id common.Id
	id[0] = idByte
	return &kbucket.Contact{Id: id, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, LastReply: time.Now()}
}

func TestFindNodeReturnsRepliedContacts(t *testing.T) {
	var localId common.Id
	localId[0] = 0xFF
	table := kbucket.NewTable(localId)

	a := mkContact(1, 1001)
	b := mkContact(2, 1002)
	require.Equal(t, kbucket.Added, table.Insert(a))
	require.Equal(t, kbucket.Added, table.Insert(b))

	transport := &fakeTransport{responses: map[common.Id]*wire.Response{
		a.Id: {},
		b.Id: {},
	}}

	var target common.Id
	target[0] = 3

	h, result := StartFindNode(context.Background(), Deps{Transport: transport, Table: table, LocalId: localId}, target)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("find-node task did not finish")
	}
	require.NoError(t, h.Err())
	require.Len(t, result.Closest, 2)
}

func TestFindNodeNoCandidatesFinishesImmediately(t *testing.T) {
	var localId common.Id
	table := kbucket.NewTable(localId)
	transport := &fakeTransport{responses: map[common.Id]*wire.Response{}}

	var target common.Id
	target[0] = 9
	h, result := StartFindNode(context.Background(), Deps{Transport: transport, Table: table, LocalId: localId}, target)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("find-node task did not finish")
	}
	require.NoError(t, h.Err())
	require.Empty(t, result.Closest)
}

func TestHandleCancel(t *testing.T) {
	var localId common.Id
	table := kbucket.NewTable(localId)
	c := mkContact(5, 1005)
	table.Insert(c)

	blockCh := make(chan struct{})
	transport := &blockingTransport{blockCh: blockCh}

	var target common.Id
	target[0] = 5
	h, _ := StartFindNode(context.Background(), Deps{Transport: transport, Table: table, LocalId: localId}, target)
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("canceled task did not finish")
	}
	close(blockCh)
}

type blockingTransport struct{ blockCh chan struct{} }

func (b *blockingTransport) Request(ctx context.Context, addr *net.UDPAddr, id common.Id, method wire.Method, req *wire.Request, timeout time.Duration) (*wire.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.blockCh:
		return &wire.Response{}, nil
	}
}
