// Package auth admits WebSocket connections. It resolves the user a
// connection belongs to before any signaling state is created.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDPathValue = "userID"
	tokenQueryParam = "token"
)

var (
	ErrNoToken         = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrBadUserID       = errors.New("invalid user id")
	ErrSubjectMismatch = errors.New("token subject does not match user id")
)

var validMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// JWT admits requests carrying an HMAC-signed token whose subject is the
// user id from the request path.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWT(secret []byte) *JWT {
	return &JWT{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods(validMethods),
			jwt.WithExpirationRequired(),
		),
	}
}

func (a *JWT) Admit(r *http.Request) (model.UserID, error) {
	userID, err := PathUserID(r)
	if err != nil {
		return 0, err
	}
	raw := bearerToken(r)
	if raw == "" {
		return 0, ErrNoToken
	}

	var claims jwt.RegisteredClaims
	_, err = a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return 0, errors.Join(ErrInvalidToken, err)
	}

	sub, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, claims.Subject)
	}
	if model.UserID(sub) != userID {
		return 0, ErrSubjectMismatch
	}
	return userID, nil
}

// Insecure trusts the user id in the path. Local development only.
type Insecure struct{}

func (Insecure) Admit(r *http.Request) (model.UserID, error) {
	return PathUserID(r)
}

// PathUserID reads the {userID} wildcard of the matched route.
func PathUserID(r *http.Request) (model.UserID, error) {
	v := r.PathValue(userIDPathValue)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadUserID, v)
	}
	return model.UserID(id), nil
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret []byte, userID model.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(int64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Browsers cannot set headers on a WebSocket handshake, hence the query fallback.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(tokenQueryParam)
}
