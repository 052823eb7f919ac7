package auth

import (
	"net/http"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	claims := Claims{
		Sub:      "client-1",
		ClinicID: "clinic-1",
		Role:     "client",
		Iat:      time.Now().Unix(),
		Exp:      time.Now().Add(1 * time.Hour).Unix(),
	}
	secret := "test-secret"

	token, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.ClinicID != claims.ClinicID || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret"); err == nil {
		t.Fatal("expected verification error with wrong secret")
	}
}

func TestParseJWTNoVerify_Expired(t *testing.T) {
	claims := Claims{
		Sub:  "vet-1",
		Role: "veterinarian",
		Exp:  time.Now().Add(-1 * time.Minute).Unix(),
	}
	token, err := SignHS256(claims, "whatever")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	if _, err := ParseJWTNoVerify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestFromRequest(t *testing.T) {
	token, err := SignHS256(Claims{Sub: "admin-1", Role: "admin"}, "s")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}

	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	if _, err := FromRequest(r); err == nil {
		t.Fatal("expected error without Authorization header")
	}

	r.Header.Set("Authorization", "Bearer "+token)
	claims, err := FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest failed: %v", err)
	}
	if claims.Sub != "admin-1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
