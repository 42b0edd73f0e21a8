package task

import (
	"net"

	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/wire"
)

// wireNodeToAddr converts a wire.Node's raw IP bytes into a *net.UDPAddr,
// returning nil for a malformed (wrong-length) address rather than
// propagating an error: a single bad entry in an otherwise-useful
// closest-nodes list should not fail the whole merge.
func wireNodeToAddr(n wire.Node) *net.UDPAddr {
	switch len(n.IP) {
	case net.IPv4len, net.IPv6len:
		return &net.UDPAddr{IP: append(net.IP(nil), n.IP...), Port: int(n.Port)}
	default:
		return nil
	}
}

// ContactToWireNode renders a routing-table contact in its compact wire
// form.
func ContactToWireNode(c *kbucket.Contact) wire.Node {
	ip := c.Addr.IP.To4()
	if ip == nil {
		ip = c.Addr.IP.To16()
	}
	return wire.Node{Id: c.Id, IP: append(net.IP(nil), ip...), Port: uint16(c.Addr.Port), Version: c.Version}
}
