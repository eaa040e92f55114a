package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"subsync/internal/types"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func resolveErrCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}
	return appErr.Code
}

func TestResolveValidToken(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))
	token := signToken(t, jwt.MapClaims{
		"sub":   "user_1",
		"email": "u@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	id, err := r.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if id.UserID != "user_1" {
		t.Errorf("UserID = %q, want user_1", id.UserID)
	}
	if id.Email != "u@example.com" {
		t.Errorf("Email = %q, want u@example.com", id.Email)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))
	token := signToken(t, jwt.MapClaims{
		"sub": "user_1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, testSecret)

	_, err := r.Resolve(token)
	if code := resolveErrCode(t, err); code != types.ErrCodeAuthTokenExpired {
		t.Errorf("code = %q, want %q", code, types.ErrCodeAuthTokenExpired)
	}
}

func TestResolveWrongSecret(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))
	token := signToken(t, jwt.MapClaims{"sub": "user_1"}, "other-secret")

	_, err := r.Resolve(token)
	if code := resolveErrCode(t, err); code != types.ErrCodeAuthTokenInvalid {
		t.Errorf("code = %q, want %q", code, types.ErrCodeAuthTokenInvalid)
	}
}

func TestResolveGarbageToken(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))

	_, err := r.Resolve("not.a.jwt")
	if code := resolveErrCode(t, err); code != types.ErrCodeAuthTokenInvalid {
		t.Errorf("code = %q, want %q", code, types.ErrCodeAuthTokenInvalid)
	}
}

// TestResolveRejectsUnsignedAlg verifies alg:none style tokens are refused
// even when the payload is well formed.
func TestResolveRejectsUnsignedAlg(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user_1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := r.Resolve(signed); err == nil {
		t.Fatal("unsigned token should be rejected")
	}
}

func TestResolveMissingSubject(t *testing.T) {
	r := NewTokenResolver(types.SecretString(testSecret))
	token := signToken(t, jwt.MapClaims{
		"email": "u@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	_, err := r.Resolve(token)
	if code := resolveErrCode(t, err); code != types.ErrCodeNotFoundUser {
		t.Errorf("code = %q, want %q", code, types.ErrCodeNotFoundUser)
	}
}

func TestResolveUnconfiguredSecret(t *testing.T) {
	r := NewTokenResolver("")

	_, err := r.Resolve("any-token")
	if code := resolveErrCode(t, err); code != types.ErrCodeConfigMissing {
		t.Errorf("code = %q, want %q", code, types.ErrCodeConfigMissing)
	}
}
