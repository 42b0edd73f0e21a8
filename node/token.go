package node

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/boson-network/boson/common"
)

// TokenEpoch is how long a minted token remains the current one before
// rotation.
const TokenEpoch = 5 * time.Minute

// TokenSize is the width of a minted token: 32 bits.
const TokenSize = 4

// TokenManager mints and verifies the tokens handed out with find-*
// responses and required on subsequent store-value/announce-peer writes,
// preventing off-path spoofing.
//
// It keeps exactly two HMAC secrets: the current epoch's and the previous
// one, so a token minted just before rotation is still accepted during
// one grace period.
type TokenManager struct {
	mu     sync.Mutex
	epoch  time.Duration
	secret []byte
	prev   []byte
}

// NewTokenManager creates a manager with a freshly random secret and the
// given rotation epoch (TokenEpoch if zero).
func NewTokenManager(epoch time.Duration) (*TokenManager, error) {
	if epoch <= 0 {
		epoch = TokenEpoch
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	return &TokenManager{epoch: epoch, secret: secret}, nil
}

func randomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Rotate replaces the current secret with a fresh one, demoting the
// current secret to the grace-period secret. Called from the node's
// maintenance ticker.
func (m *TokenManager) Rotate() error {
	secret, err := randomSecret()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.prev = m.secret
	m.secret = secret
	m.mu.Unlock()
	return nil
}

// Issue mints a token for (addr, target) under the current secret.
func (m *TokenManager) Issue(addr *net.UDPAddr, target common.Id) []byte {
	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	return mac(secret, addr, target)
}

// Verify reports whether token was minted for (addr, target) under either
// the current or the previous epoch's secret.
func (m *TokenManager) Verify(addr *net.UDPAddr, target common.Id, token []byte) bool {
	if len(token) != TokenSize {
		return false
	}
	m.mu.Lock()
	secret, prev := m.secret, m.prev
	m.mu.Unlock()
	if hmac.Equal(token, mac(secret, addr, target)) {
		return true
	}
	return prev != nil && hmac.Equal(token, mac(prev, addr, target))
}

func mac(secret []byte, addr *net.UDPAddr, target common.Id) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(addr.IP.String()))
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	h.Write(port[:])
	h.Write(target[:])
	sum := h.Sum(nil)
	return sum[:TokenSize]
}
