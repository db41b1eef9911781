package ghapp

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func pemPKCS1(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func pemPKCS8(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestParseRSAPrivateKey(t *testing.T) {
	key := testKey(t)

	if _, err := ParseRSAPrivateKey(pemPKCS1(key)); err != nil {
		t.Errorf("PKCS1: %v", err)
	}
	if _, err := ParseRSAPrivateKey(pemPKCS8(t, key)); err != nil {
		t.Errorf("PKCS8: %v", err)
	}
	if _, err := ParseRSAPrivateKey("not a key"); err == nil {
		t.Error("garbage must not parse")
	}
}

func TestNewFromEnv(t *testing.T) {
	key := testKey(t)

	t.Run("missing app id", func(t *testing.T) {
		t.Setenv("GITHUB_APP_ID", "")
		t.Setenv("GITHUB_APP_PRIVATE_KEY", pemPKCS1(key))
		if _, err := NewFromEnv(); err == nil {
			t.Error("missing GITHUB_APP_ID must fail")
		}
	})

	t.Run("key content", func(t *testing.T) {
		t.Setenv("GITHUB_APP_ID", "12345")
		t.Setenv("GITHUB_APP_PRIVATE_KEY", pemPKCS1(key))
		if _, err := NewFromEnv(); err != nil {
			t.Errorf("NewFromEnv: %v", err)
		}
	})

	t.Run("key file path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.pem")
		if err := os.WriteFile(path, []byte(pemPKCS1(key)), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("GITHUB_APP_ID", "12345")
		t.Setenv("GITHUB_APP_PRIVATE_KEY", path)
		if _, err := NewFromEnv(); err != nil {
			t.Errorf("NewFromEnv with key file: %v", err)
		}
	})
}

func TestCreateJWT(t *testing.T) {
	key := testKey(t)
	p := &Provider{appID: "12345", privateKey: key}

	jwt, err := p.createJWT()
	if err != nil {
		t.Fatalf("createJWT: %v", err)
	}

	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		t.Fatalf("JWT has %d parts, want 3", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatal(err)
	}
	if header.Alg != "RS256" || header.Typ != "JWT" {
		t.Errorf("header = %+v", header)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims struct {
		Iss string `json:"iss"`
		Iat int64  `json:"iat"`
		Exp int64  `json:"exp"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatal(err)
	}
	if claims.Iss != "12345" {
		t.Errorf("iss = %q", claims.Iss)
	}
	now := time.Now().Unix()
	if claims.Iat > now-50 || claims.Iat < now-70 {
		t.Errorf("iat = %d, want ~now-60s", claims.Iat)
	}
	if claims.Exp < now+9*60 || claims.Exp > now+11*60 {
		t.Errorf("exp = %d, want ~now+10m", claims.Exp)
	}

	// The signature must verify against the public key.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatal(err)
	}
	hash := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, hash[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

// fakeAppAPI serves the installation listing and token exchange endpoints.
func fakeAppAPI(t *testing.T, mints *atomic.Int32, ttl time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/installations", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("installation listing without JWT")
		}
		json.NewEncoder(w).Encode([]map[string]any{{"id": 777}})
	})
	mux.HandleFunc("POST /app/installations/777/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		n := mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_installation_" + string(rune('a'+n-1)),
			"expires_at": time.Now().Add(ttl).Format(time.RFC3339),
		})
	})
	return httptest.NewServer(mux)
}

type recordingSink struct{ tokens []string }

func (s *recordingSink) UpdateToken(token string) { s.tokens = append(s.tokens, token) }

func TestTokenMintDetectAndCache(t *testing.T) {
	var mints atomic.Int32
	srv := fakeAppAPI(t, &mints, time.Hour)
	defer srv.Close()

	p := &Provider{
		appID:      "12345",
		privateKey: testKey(t),
		httpClient: srv.Client(),
		apiBase:    srv.URL,
	}
	sink := &recordingSink{}
	p.AddSink(sink)

	ctx := context.Background()
	token, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !strings.HasPrefix(token, "ghs_installation_") {
		t.Errorf("token = %q", token)
	}
	if p.installID != "777" {
		t.Errorf("auto-detected install id = %q", p.installID)
	}
	if len(sink.tokens) != 1 || sink.tokens[0] != token {
		t.Errorf("sink tokens = %v", sink.tokens)
	}

	// Second call is served from cache: no new mint, no new push.
	again, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if again != token || mints.Load() != 1 {
		t.Errorf("cache miss: token=%q mints=%d", again, mints.Load())
	}
	if len(sink.tokens) != 1 {
		t.Errorf("cached token must not be re-pushed: %v", sink.tokens)
	}
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	var mints atomic.Int32
	// Tokens come back with less than the 10-minute refresh margin left, so
	// every call mints anew.
	srv := fakeAppAPI(t, &mints, 5*time.Minute)
	defer srv.Close()

	p := &Provider{
		appID:      "12345",
		installID:  "777",
		privateKey: testKey(t),
		httpClient: srv.Client(),
		apiBase:    srv.URL,
	}

	ctx := context.Background()
	if _, err := p.Token(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Token(ctx); err != nil {
		t.Fatal(err)
	}
	if mints.Load() != 2 {
		t.Errorf("mints = %d, want 2 (near-expiry token refreshed)", mints.Load())
	}
}

func TestTokenFallsBackToCachedOnError(t *testing.T) {
	var mints atomic.Int32
	srv := fakeAppAPI(t, &mints, time.Hour)

	p := &Provider{
		appID:      "12345",
		installID:  "777",
		privateKey: testKey(t),
		httpClient: srv.Client(),
		apiBase:    srv.URL,
	}

	ctx := context.Background()
	token, err := p.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Force a refresh attempt against a dead server; the still-valid cached
	// token must be returned.
	srv.Close()
	p.expiresAt = time.Now().Add(5 * time.Minute)

	got, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token with cached fallback: %v", err)
	}
	if got != token {
		t.Errorf("got %q, want cached %q", got, token)
	}
}

func TestTokenExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := &Provider{
		appID:      "12345",
		installID:  "777",
		privateKey: testKey(t),
		httpClient: srv.Client(),
		apiBase:    srv.URL,
	}
	if _, err := p.Token(context.Background()); err == nil {
		t.Fatal("exchange failure with no cache must error")
	}
}
