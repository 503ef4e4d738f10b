package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func wsRequest(t *testing.T, pathID, token string, inQuery bool) *http.Request {
	t.Helper()
	target := "/ws/" + pathID
	if inQuery && token != "" {
		target += "?token=" + token
	}
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.SetPathValue(userIDPathValue, pathID)
	if !inQuery && token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestJWTAdmit(t *testing.T) {
	good, err := IssueToken(secret, 42, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expired, err := IssueToken(secret, 42, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, err := IssueToken([]byte("other"), 42, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "42"}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	badSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name    string
		req     *http.Request
		want    model.UserID
		wantErr error
	}{
		{name: "header", req: wsRequest(t, "42", good, false), want: 42},
		{name: "query", req: wsRequest(t, "42", good, true), want: 42},
		{name: "missing token", req: wsRequest(t, "42", "", false), wantErr: ErrNoToken},
		{name: "expired", req: wsRequest(t, "42", expired, false), wantErr: ErrInvalidToken},
		{name: "wrong secret", req: wsRequest(t, "42", forged, false), wantErr: ErrInvalidToken},
		{name: "no expiry", req: wsRequest(t, "42", noExp, false), wantErr: ErrInvalidToken},
		{name: "none alg", req: wsRequest(t, "42", noneAlg, false), wantErr: ErrInvalidToken},
		{name: "non numeric subject", req: wsRequest(t, "42", badSub, false), wantErr: ErrInvalidToken},
		{name: "other user", req: wsRequest(t, "43", good, false), wantErr: ErrSubjectMismatch},
		{name: "bad path id", req: wsRequest(t, "x", good, false), wantErr: ErrBadUserID},
	}
	admitter := NewJWT(secret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := admitter.Admit(tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got user %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBasicAuthHeaderIsNotABearer(t *testing.T) {
	r := wsRequest(t, "1", "", false)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	r.URL.RawQuery = "token=ignored"
	if _, err := NewJWT(secret).Admit(r); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestInsecureAdmit(t *testing.T) {
	id, err := Insecure{}.Admit(wsRequest(t, "-7", "", false))
	if err != nil || id != -7 {
		t.Fatalf("got %d, %v", id, err)
	}
	if _, err = (Insecure{}).Admit(wsRequest(t, "", "", false)); !errors.Is(err, ErrBadUserID) {
		t.Fatalf("expected ErrBadUserID, got %v", err)
	}
}
