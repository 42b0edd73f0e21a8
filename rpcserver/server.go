// Package rpcserver implements the UDP transport core shared by every
// Boson DHT: a single socket per address family, a transaction table that
// multiplexes outbound requests against inbound responses, adaptive
// per-remote timeouts, send throttling and a receive-side spam filter.
// It never panics or throws into its caller's reactor: a synchronous
// fault is always translated into either a wire error response or a
// local metrics counter.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/dhterror"
	"github.com/boson-network/boson/logger"
	"github.com/boson-network/boson/metrics"
	"github.com/boson-network/boson/wire"
)

// Config tunes a Server's timeouts and throttles. Zero values fall back to
// the defaults below: optional fields are defaulted in the constructor,
// not at the call site.
type Config struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// ThrottleBytesPerSec is the steady-state fill rate of the per-remote
	// send token bucket.
	ThrottleBytesPerSec int
	ThrottleBurst       int
}

const (
	defaultMinTimeout = 2 * time.Second
	defaultMaxTimeout = 10 * time.Second
	defaultThrottle   = 128
	defaultBurst      = 1024
)

func (c Config) withDefaults() Config {
	if c.MinTimeout == 0 {
		c.MinTimeout = defaultMinTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = defaultMaxTimeout
	}
	if c.ThrottleBytesPerSec == 0 {
		c.ThrottleBytesPerSec = defaultThrottle
	}
	if c.ThrottleBurst == 0 {
		c.ThrottleBurst = defaultBurst
	}
	return c
}

// RequestHandler answers an inbound request from a remote address,
// returning the response payload to send back or a *dhterror.Error (or
// any error, translated via wire.AsWireError) to send back as a wire
// error envelope. method names which of the six RPCs this
// request invokes.
type RequestHandler func(from *net.UDPAddr, senderId common.Id, method wire.Method, req *wire.Request) (*wire.Response, error)

// Server is one UDP reactor for one address family (IPv4 or IPv6). It owns
// the socket, the transaction table and the per-remote throttle/spam
// state; callers drive it with Serve and talk to it with Request.
type Server struct {
	cfg     Config
	conn    *net.UDPConn
	localId common.Id

	handler RequestHandler

	mu      sync.Mutex
	txns    map[uint32]*transaction
	nextTxn uint32

	throttles  map[string]*throttle
	spam       map[string]*spamCounter
	rttTable   map[string]*rttEstimator
	throttleMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// transaction is the state the server keeps for one outbound request
// awaiting a response.
type transaction struct {
	method   wire.Method
	addr     *net.UDPAddr
	id       common.Id
	deadline time.Time
	timer    *time.Timer
	done     chan result
	canceled bool
}

type result struct {
	resp *wire.Response
	err  error
}

// New creates a Server bound to laddr. laddr's IP family (4 or 6) decides
// which kind of contacts this server's transactions carry; the caller is
// expected to run one Server per address family.
func New(localId common.Id, laddr *net.UDPAddr, handler RequestHandler, cfg Config) (*Server, error) {
	conn, err := net.ListenUDP(udpNetwork(laddr), laddr)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: listen: %w", err)
	}
	return &Server{
		cfg:       cfg.withDefaults(),
		conn:      conn,
		localId:   localId,
		handler:   handler,
		txns:      make(map[uint32]*transaction),
		throttles: make(map[string]*throttle),
		spam:      make(map[string]*spamCounter),
		closed:    make(chan struct{}),
	}, nil
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Close shuts the socket and fails every pending transaction with
// ErrClosed.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
		s.mu.Lock()
		for id, t := range s.txns {
			t.complete(result{err: ErrClosed})
			delete(s.txns, id)
		}
		s.mu.Unlock()
	})
	return err
}

// ErrClosed is returned to pending callers when the server is closed.
var ErrClosed = errors.New("rpcserver: closed")

// ErrTimeout is returned by Request when no response arrives before the
// transaction's deadline.
var ErrTimeout = errors.New("rpcserver: timeout")

// ErrCanceled is returned by Request when the caller's context is done
// before a response arrives.
var ErrCanceled = errors.New("rpcserver: canceled")

// ErrBusy is returned by Request when the per-remote send throttle has no
// budget left for this datagram.
var ErrBusy = errors.New("rpcserver: busy")

// Serve runs the read loop until ctx is done or the socket is closed. It
// must run on its own goroutine; handler dispatch and response matching
// execute synchronously within this loop. The transaction table is not
// confined to this loop: Request (on the caller's goroutine), the
// per-transaction timers and Close also add, complete and remove entries,
// serialized by s.mu.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, wire.MaxPayloadSize+64)
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("rpcserver: read: %w", err)
		}
		s.handleDatagram(from, append([]byte(nil), buf[:n]...))
	}
}

func (s *Server) handleDatagram(from *net.UDPAddr, data []byte) {
	if s.spamFiltered(from) {
		metrics.RPCDroppedSpam.Mark(1)
		return
	}
	env, err := wire.Decode(data)
	if err != nil {
		metrics.RPCDroppedBad.Mark(1)
		logger.V(logger.Debug).Infof("rpcserver: malformed datagram from %s: %v", from, err)
		return
	}
	metrics.RPCReceived.Mark(1)
	metrics.RPCReceivedBytes.Mark(int64(len(data)))

	switch env.Type {
	case wire.TypeResponse, wire.TypeError:
		s.completeTransaction(from, env)
	case wire.TypeRequest:
		s.dispatchRequest(from, env)
	default:
		metrics.RPCDroppedBad.Mark(1)
	}
}

func (s *Server) completeTransaction(from *net.UDPAddr, env *wire.Envelope) {
	s.mu.Lock()
	t, ok := s.txns[env.Txn]
	if ok {
		delete(s.txns, env.Txn)
	}
	s.mu.Unlock()
	if !ok {
		// No live transaction: either a duplicate, a very late response
		// after our own timeout fired, or spoofed. Count as suspicious,
		// never delivered.
		metrics.RPCSuspicious.Mark(1)
		return
	}
	if !t.timer.Stop() {
		// The timer already fired, but its callback will find the entry
		// gone (removed above) and return without completing the waiter:
		// complete it with Timeout here and drop this late response.
		metrics.RPCTimeout.Mark(1)
		t.complete(result{err: ErrTimeout})
		return
	}
	if !addrEqual(from, t.addr) {
		metrics.RPCSuspicious.Mark(1)
		t.complete(result{err: ErrTimeout})
		return
	}
	if env.Type == wire.TypeError {
		t.complete(result{err: &dhterror.Error{Code: env.Err.Code, Message: env.Err.Message}})
		return
	}
	t.complete(result{resp: env.Resp})
}

func (s *Server) dispatchRequest(from *net.UDPAddr, env *wire.Envelope) {
	if env.Req == nil {
		s.sendError(from, env.Txn, dhterror.New(dhterror.Protocol, "missing request body"))
		return
	}
	if s.handler == nil {
		s.sendError(from, env.Txn, dhterror.New(dhterror.Server, "no handler installed"))
		return
	}
	resp, err := s.handler(from, env.Req.SenderId, env.Method, env.Req)
	if err != nil {
		s.sendError(from, env.Txn, err)
		return
	}
	out := &wire.Envelope{Type: wire.TypeResponse, Method: env.Method, Txn: env.Txn, Resp: resp}
	wire.TrimToFit(out)
	s.send(from, out)
}

func (s *Server) sendError(to *net.UDPAddr, txn uint32, err error) {
	we := wire.AsWireError(err)
	s.send(to, &wire.Envelope{Type: wire.TypeError, Txn: txn, Err: we})
}

func (s *Server) send(to *net.UDPAddr, env *wire.Envelope) {
	b, err := wire.Encode(env)
	if err != nil {
		logger.V(logger.Warn).Infof("rpcserver: refusing to send oversized/malformed envelope to %s: %v", to, err)
		return
	}
	if _, err := s.conn.WriteToUDP(b, to); err != nil {
		logger.V(logger.Debug).Infof("rpcserver: write to %s failed: %v", to, err)
		return
	}
	metrics.RPCSent.Mark(1)
	metrics.RPCSentBytes.Mark(int64(len(b)))
}

// Request sends method to (addr, id) with the given request body and
// blocks until a response, error, timeout, or ctx cancellation. timeout,
// if zero, is computed adaptively from the remote's observed RTT.
func (s *Server) Request(ctx context.Context, addr *net.UDPAddr, id common.Id, method wire.Method, req *wire.Request, timeout time.Duration) (*wire.Response, error) {
	if !s.allowSend(addr) {
		metrics.RPCThrottled.Mark(1)
		return nil, ErrBusy
	}
	if timeout == 0 {
		timeout = s.adaptiveTimeout(addr)
	}

	txn, done := s.register(addr, id, method, timeout)
	env := &wire.Envelope{Type: wire.TypeRequest, Method: method, Txn: txn, Req: req}
	sent := time.Now()
	s.send(addr, env)

	select {
	case r := <-done:
		if r.err == nil {
			s.recordRTT(addr, time.Since(sent))
		}
		return r.resp, r.err
	case <-ctx.Done():
		s.cancel(txn)
		return nil, ErrCanceled
	}
}

func (s *Server) register(addr *net.UDPAddr, id common.Id, method wire.Method, timeout time.Duration) (uint32, chan result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var txn uint32
	for {
		txn = s.nextTxn
		s.nextTxn++
		if _, live := s.txns[txn]; !live {
			break
		}
	}
	done := make(chan result, 1)
	t := &transaction{method: method, addr: addr, id: id, deadline: time.Now().Add(timeout), done: done}
	t.timer = time.AfterFunc(timeout, func() { s.timeoutTransaction(txn) })
	s.txns[txn] = t
	return txn, done
}

func (s *Server) timeoutTransaction(txn uint32) {
	s.mu.Lock()
	t, ok := s.txns[txn]
	if ok {
		delete(s.txns, txn)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if t.canceled {
		return
	}
	metrics.RPCTimeout.Mark(1)
	t.complete(result{err: ErrTimeout})
}

// cancel completes the caller's wait with ErrCanceled but leaves the
// transaction entry in the table: the txn id stays claimed until its timer
// fires and timeoutTransaction removes it at the original deadline. Freeing
// it here would let a new, unrelated Request reuse the same txn id while
// the canceled one's response is still in flight, so a late response would
// be matched against the wrong transaction.
func (s *Server) cancel(txn uint32) {
	s.mu.Lock()
	t, ok := s.txns[txn]
	if ok {
		t.canceled = true
	}
	s.mu.Unlock()
	if ok {
		t.complete(result{err: ErrCanceled})
	}
}

func (t *transaction) complete(r result) {
	select {
	case t.done <- r:
	default:
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
