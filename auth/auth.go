package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

var (
	errMissingToken = errors.New("missing token")
	errBadToken     = errors.New("bad token")
)

// Identity is the verified subject of a token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Verifier validates identity tokens issued by the external auth provider.
type Verifier struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewVerifier creates a Verifier that checks RS256 tokens against jwks.
func NewVerifier(jwks *keyfunc.JWKS, audience, issuer string, keyCacheTTL time.Duration) *Verifier {
	if keyCacheTTL <= 0 {
		keyCacheTTL = defaultJWKSCacheTTL
	}
	return &Verifier{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: keyCacheTTL,
	}
}

// NewSharedSecretVerifier creates a Verifier for HS256 tokens signed with
// secret. It is meant for local development and tests.
func NewSharedSecretVerifier(secret []byte, audience, issuer string) *Verifier {
	return &Verifier{
		Audience:   audience,
		Issuer:     issuer,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// Verify parses the token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = bearerToken(token)
	if token == "" {
		return Identity{}, errMissingToken
	}
	if strings.Count(token, ".") != 2 {
		return Identity{}, errBadToken
	}

	var parsedToken *jwt.Token
	var err error
	if v.TestMode {
		parsedToken, err = v.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return v.TestSecret, nil
		})
	} else {
		parsedToken, err = v.parser.Parse(token, func(t *jwt.Token) (any, error) {
			return v.keyForToken(t)
		})
	}
	if err != nil {
		return Identity{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now+60, false) {
		return Identity{}, errors.New("token not valid yet")
	}
	if v.Audience != "" && !claims.VerifyAudience(v.Audience, false) {
		return Identity{}, errors.New("invalid audience")
	}
	if v.Issuer != "" && !claims.VerifyIssuer(v.Issuer, false) {
		return Identity{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, errors.New("missing sub")
	}
	id := Identity{UserID: sub}
	if exp, ok := claims["exp"].(float64); ok {
		id.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return id, nil
}

func (v *Verifier) keyForToken(token *jwt.Token) (any, error) {
	if v.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && v.keyCacheTTL > 0 {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}

	key, err := v.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && v.keyCacheTTL > 0 {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(v.keyCacheTTL)})
	}
	return key, nil
}

// TokenVerifier is implemented by Verifier.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Session holds the currently signed-in user. Remote storage is only
// reachable while CurrentUser reports a user.
type Session struct {
	verifier TokenVerifier
	now      func() time.Time

	mu       sync.RWMutex
	identity Identity
	token    string
}

// NewSession creates a signed-out session.
func NewSession(v TokenVerifier) *Session {
	return &Session{verifier: v, now: time.Now}
}

// NewFixedSession creates a session already signed in as userID that never
// expires. Used when the process runs for a single known user.
func NewFixedSession(userID string) *Session {
	return &Session{now: time.Now, identity: Identity{UserID: userID}}
}

// SignIn verifies token and makes its subject the current user.
func (s *Session) SignIn(token string) (Identity, error) {
	if s.verifier == nil {
		return Identity{}, errors.New("sign-in not configured")
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("sign in: %w", err)
	}
	s.mu.Lock()
	s.identity = id
	s.token = bearerToken(token)
	s.mu.Unlock()
	return id, nil
}

// Logout clears the current user.
func (s *Session) Logout() {
	s.mu.Lock()
	s.identity = Identity{}
	s.token = ""
	s.mu.Unlock()
}

// Authorize reports whether a caller presenting header may change the
// session. Anyone may while nobody is signed in; afterwards only the token
// the current user signed in with does. A fixed session has no token and
// cannot be changed this way.
func (s *Session) Authorize(header string) bool {
	if _, ok := s.CurrentUser(); !ok {
		return true
	}
	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()
	presented := bearerToken(header)
	if current == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(presented)) == 1
}

func bearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
}

// CurrentUser returns the signed-in user. An expired sign-in counts as none.
func (s *Session) CurrentUser() (string, bool) {
	s.mu.RLock()
	id := s.identity
	s.mu.RUnlock()
	if id.UserID == "" {
		return "", false
	}
	if !id.ExpiresAt.IsZero() && !s.now().Before(id.ExpiresAt) {
		return "", false
	}
	return id.UserID, true
}
