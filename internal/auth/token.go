// Package auth resolves client identity for the front door: HMAC-signed
// tokens carrying {uid, name, exp} claims, and fresh guest identities for
// clients that arrive without one.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	uidPattern  = regexp.MustCompile(`^u_[A-Za-z0-9]{1,32}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,31}$`)
)

// Claims is the identity payload the core trusts.
type Claims struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// ValidUID reports whether uid matches the identity grammar.
func ValidUID(uid string) bool { return uidPattern.MatchString(uid) }

// ValidName reports whether name matches the identity grammar.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Manager signs and verifies identity tokens with HMAC-SHA256.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Issue signs a fresh short-TTL token for the given identity.
func (m *Manager) Issue(uid, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UID:  uid,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   uid,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify returns the claims for a valid, unexpired token whose identity
// fields pass validation, or nil. A spoofed or malformed token never
// produces claims; callers fall back to a guest identity.
func (m *Manager) Verify(tokenString string) *Claims {
	if tokenString == "" {
		return nil
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil
	}
	if !ValidUID(claims.UID) || !ValidName(claims.Name) {
		return nil
	}
	return claims
}

// Guest identity naming. The adjective/noun lists are small on purpose; the
// 3-digit suffix keeps collisions rare enough for presence display.
var (
	guestAdjectives = []string{
		"Brave", "Quiet", "Rapid", "Amber", "Solar", "Lunar", "Vivid", "Stark",
		"Noble", "Swift", "Foggy", "Tidal", "Polar", "Ember", "Cedar", "Azure",
	}
	guestNouns = []string{
		"Otter", "Heron", "Lynx", "Falcon", "Badger", "Marmot", "Puffin", "Gecko",
		"Raven", "Bison", "Crane", "Dingo", "Urchin", "Wombat", "Osprey", "Tetra",
	}
)

// NewGuestIdentity generates a fresh uid ("u_" + 8 random hex) and a
// readable AdjectiveNoun3-digit name.
func NewGuestIdentity() (uid, name string, err error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", fmt.Errorf("guest identity: %w", err)
	}
	uid = "u_" + hex.EncodeToString(raw[:])

	adj, err := randIndex(len(guestAdjectives))
	if err != nil {
		return "", "", err
	}
	noun, err := randIndex(len(guestNouns))
	if err != nil {
		return "", "", err
	}
	suffix, err := randIndex(1000)
	if err != nil {
		return "", "", err
	}
	name = fmt.Sprintf("%s%s%03d", guestAdjectives[adj], guestNouns[noun], suffix)
	return uid, name, nil
}

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, errors.New("guest identity: entropy unavailable")
	}
	return int(v.Int64()), nil
}
