package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// newTestVerifier stands up a JWKS endpoint for a fresh RSA key and returns a
// verifier bound to it plus the private key for signing test tokens.
func newTestVerifier(t *testing.T) (*JWTVerifier, jwk.Key) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(priv)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	verifier, err := NewJWTVerifier(context.Background(), srv.URL, time.Minute)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	return verifier, key
}

func signedRequest(t *testing.T, key jwk.Key, build func(*jwt.Builder) *jwt.Builder) *http.Request {
	t.Helper()
	b := jwt.NewBuilder().
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	b = build(b)
	token, err := b.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest("GET", "/watch", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	return req
}

func TestUserFromRequest(t *testing.T) {
	verifier, key := newTestVerifier(t)

	req := signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("u1").
			Claim("email", "a@example.com").
			Claim("name", "A")
	})

	user, err := verifier.UserFromRequest(req)
	if err != nil {
		t.Fatalf("UserFromRequest: %v", err)
	}
	if user.ID != "u1" || user.Email != "a@example.com" || user.Name != "A" {
		t.Errorf("user = %+v, want u1/a@example.com/A", user)
	}
}

func TestUserFromRequestRejectsExpired(t *testing.T) {
	verifier, key := newTestVerifier(t)

	req := signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("u1").Expiration(time.Now().Add(-time.Hour))
	})

	if _, err := verifier.UserFromRequest(req); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestUserFromRequestRejectsMissingSubject(t *testing.T) {
	verifier, key := newTestVerifier(t)

	req := signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Claim("email", "a@example.com")
	})

	if _, err := verifier.UserFromRequest(req); err == nil {
		t.Fatal("token without subject accepted")
	}
}

func TestUserFromRequestRejectsUnsignedGarbage(t *testing.T) {
	verifier, _ := newTestVerifier(t)

	req := httptest.NewRequest("GET", "/watch", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")

	if _, err := verifier.UserFromRequest(req); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestUserFromRequestRejectsForeignKey(t *testing.T) {
	verifier, _ := newTestVerifier(t)

	// A token signed by a key the JWKS has never published.
	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, err := jwk.FromRaw(otherPriv)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := otherKey.Set(jwk.KeyIDKey, "rogue-key"); err != nil {
		t.Fatalf("set kid: %v", err)
	}

	req := signedRequest(t, otherKey, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("u1")
	})

	if _, err := verifier.UserFromRequest(req); err == nil {
		t.Fatal("token signed with unknown key accepted")
	}
}
