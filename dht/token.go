package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"net/netip"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const (
	tokenSize  = 8
	secretSize = 16
)

// tokenManager issues and checks announce_peer write tokens: a keyed
// BLAKE2b MAC of the requester's IP. Tokens made with the current or the
// previous secret are accepted, so a token outlives one rotation.
type tokenManager struct {
	mu       sync.Mutex
	current  [secretSize]byte
	previous [secretSize]byte
}

func newTokenManager() *tokenManager {
	tm := &tokenManager{}
	fillSecret(&tm.current)
	tm.previous = tm.current
	return tm
}

func fillSecret(s *[secretSize]byte) {
	if _, err := rand.Read(s[:]); err != nil {
		panic("dht: reading random secret: " + err.Error())
	}
}

// issue returns the token for ip under the current secret.
func (tm *tokenManager) issue(ip netip.Addr) string {
	tm.mu.Lock()
	secret := tm.current
	tm.mu.Unlock()
	return tokenFor(secret, ip)
}

// validate reports whether token was issued to ip under the current or the
// previous secret.
func (tm *tokenManager) validate(ip netip.Addr, token string) bool {
	if len(token) != tokenSize {
		return false
	}
	tm.mu.Lock()
	current, previous := tm.current, tm.previous
	tm.mu.Unlock()

	t := []byte(token)
	return subtle.ConstantTimeCompare(t, []byte(tokenFor(current, ip))) == 1 ||
		subtle.ConstantTimeCompare(t, []byte(tokenFor(previous, ip))) == 1
}

// rotate retires the previous secret.
func (tm *tokenManager) rotate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.previous = tm.current
	fillSecret(&tm.current)
}

func tokenFor(secret [secretSize]byte, ip netip.Addr) string {
	h, err := blake2b.New(tokenSize, secret[:])
	if err != nil {
		// Only reachable with an invalid size or key length.
		panic("dht: blake2b: " + err.Error())
	}
	h.Write(ip.Unmap().AsSlice())
	return string(h.Sum(nil))
}
