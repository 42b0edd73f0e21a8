package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
)

func TestRequestRoundTrip(t *testing.T) {
	target := common.MustIdFromBytes(make([]byte, 32))
	env := &Envelope{
		Type:   TypeRequest,
		Method: MethodFindNode,
		Txn:    42,
		Req: &Request{
			SenderId: common.MustIdFromBytes(append([]byte{1}, make([]byte, 31)...)),
			Target:   &target,
			WantIPv4: true,
		},
	}
	buf, err := Encode(env)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, TypeRequest, out.Type)
	require.Equal(t, MethodFindNode, out.Method)
	require.Equal(t, uint32(42), out.Txn)
	require.NotNil(t, out.Req)
	require.True(t, out.Req.WantIPv4)
	require.Equal(t, env.Req.SenderId, out.Req.SenderId)
	require.Equal(t, *env.Req.Target, *out.Req.Target)
}

func TestResponseWithNodesRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: TypeResponse,
		Txn:  7,
		Resp: &Response{
			Nodes4: []Node{
				{Id: common.MustIdFromBytes(make([]byte, 32)), IP: []byte{127, 0, 0, 1}, Port: 6881},
			},
			Token: []byte("tok"),
		},
	}
	buf, err := Encode(env)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, out.Resp.Nodes4, 1)
	require.Equal(t, uint16(6881), out.Resp.Nodes4[0].Port)
	require.Equal(t, []byte("tok"), out.Resp.Token)
}

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: TypeError,
		Txn:  3,
		Err:  &Error{Code: dhterror.Protocol, Message: "bad request"},
	}
	buf, err := Encode(env)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, dhterror.Protocol, out.Err.Code)
	require.Equal(t, "bad request", out.Err.Message)
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	huge := make([]byte, MaxPayloadSize*2)
	env := &Envelope{
		Type: TypeRequest,
		Req: &Request{
			Value: &Value{Data: huge},
		},
	}
	_, err := Encode(env)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestTrimToFitShrinksNodeLists(t *testing.T) {
	nodes := make([]Node, 200)
	for i := range nodes {
		nodes[i] = Node{Id: common.MustIdFromBytes(make([]byte, 32)), IP: []byte{10, 0, 0, 1}, Port: 6881}
	}
	env := &Envelope{Type: TypeResponse, Resp: &Response{Nodes4: nodes}}
	TrimToFit(env)
	require.LessOrEqual(t, EstimateSize(env), MaxPayloadSize)
	require.Less(t, len(env.Resp.Nodes4), 200)
}

func TestDecodeRejectsTooLargeBuffer(t *testing.T) {
	_, err := Decode(make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}
