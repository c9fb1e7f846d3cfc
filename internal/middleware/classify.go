package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/ratelimit"
)

// Classifier assigns each request a rate-limit tier and a stable
// identity from its credentials.
type Classifier struct {
	jwtSecret           []byte
	privilegedKeyHashes []string
	logger              logging.Logger
}

// NewClassifier builds a classifier. privilegedKeyHashes are bcrypt
// hashes of the service API keys that grant the privileged tier.
func NewClassifier(jwtSecret string, privilegedKeyHashes []string, logger logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Classifier{
		jwtSecret:           []byte(jwtSecret),
		privilegedKeyHashes: privilegedKeyHashes,
		logger:              logger.WithComponent("classify"),
	}
}

// Classify derives the caller's tier and identity. Invalid credentials
// demote to anonymous rather than erroring; authentication enforcement
// is the handlers' concern, this only picks a limit budget.
func (c *Classifier) Classify(r *http.Request) (ratelimit.Tier, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if c.isPrivilegedKey(key) {
			return ratelimit.TierPrivileged, "service:" + fingerprint(key)
		}
		c.logger.Debug("Unrecognized API key", "key_fingerprint", fingerprint(key))
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if subject, ok := c.verifyToken(strings.TrimPrefix(auth, "Bearer ")); ok {
			return ratelimit.TierAuthenticated, subject
		}
	}

	identity := ratelimit.DeriveIdentifier("", ratelimit.ClientIP(r), r.UserAgent())
	return ratelimit.TierAnonymous, identity
}

// verifyToken validates an HMAC-signed JWT and returns its subject.
func (c *Classifier) verifyToken(tokenString string) (string, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", false
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", false
	}
	return "user:" + subject, true
}

func (c *Classifier) isPrivilegedKey(key string) bool {
	for _, hash := range c.privilegedKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// fingerprint gives a loggable, non-reversible identifier for a key.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
