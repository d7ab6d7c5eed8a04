// Package lobby verifies that a joining session was approved by the lobby.
package lobby

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("lobby: invalid token")

const issuer = "lockstep-lobby"

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Manager issues and verifies lobby approval tokens. The token subject is the
// GUID the server assigned to the session during the handshake.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager returns a manager signing with secret. Tokens expire after ttl.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an approval of name for the session identified by guid.
func (m *Manager) Issue(guid, name string) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   guid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	return token.SignedString(m.secret)
}

// Verify checks token was issued for guid and returns the approved name.
func (m *Manager) Verify(token, guid string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithSubject(guid),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Name == "" {
		return "", ErrInvalidToken
	}
	return c.Name, nil
}

// SameName compares a lobby name with a requested player name. Case is
// ignored, as is a trailing " (rating)" suffix on the lobby name.
func SameName(lobbyName, name string) bool {
	return strings.EqualFold(StripRating(lobbyName), StripRating(name))
}

// StripRating removes a trailing " (rating)" suffix.
func StripRating(name string) string {
	if i := strings.LastIndex(name, " ("); i > 0 && strings.HasSuffix(name, ")") {
		return name[:i]
	}
	return name
}
