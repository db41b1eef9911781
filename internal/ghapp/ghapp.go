// Package ghapp mints short-lived installation tokens for the bot
// identity: an RS256-signed App JWT is exchanged against the forge for an
// installation access token, which is cached until close to expiry.
package ghapp

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// refreshMargin is the remaining token lifetime below which a new token is
// minted.
const refreshMargin = 10 * time.Minute

// TokenSink receives freshly minted tokens. Publisher and feedback handler
// implement it.
type TokenSink interface {
	UpdateToken(token string)
}

// Provider generates and caches installation tokens. Safe for concurrent
// use; at most one mint is in flight at a time.
type Provider struct {
	appID      string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	apiBase    string
	sinks      []TokenSink

	mu          sync.Mutex
	installID   string
	cachedToken string
	expiresAt   time.Time
}

// NewFromEnv creates a Provider from GITHUB_APP_ID and
// GITHUB_APP_PRIVATE_KEY (PEM content or a file path), with
// GITHUB_APP_INSTALL_ID optional — the first installation is auto-detected
// when unset.
func NewFromEnv() (*Provider, error) {
	appID := os.Getenv("GITHUB_APP_ID")
	if appID == "" {
		return nil, fmt.Errorf("GITHUB_APP_ID not set")
	}
	keyData := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if keyData == "" {
		return nil, fmt.Errorf("GITHUB_APP_PRIVATE_KEY not set")
	}
	if !strings.HasPrefix(keyData, "-----") {
		if data, err := os.ReadFile(keyData); err == nil {
			keyData = string(data)
		}
	}
	key, err := ParseRSAPrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Provider{
		appID:      appID,
		installID:  os.Getenv("GITHUB_APP_INSTALL_ID"),
		privateKey: key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    "https://api.github.com",
	}, nil
}

// SetAPIBase overrides the forge API base URL, for tests.
func (p *Provider) SetAPIBase(base string) { p.apiBase = base }

// AddSink registers a consumer to be pushed refreshed tokens.
func (p *Provider) AddSink(sink TokenSink) {
	p.sinks = append(p.sinks, sink)
}

// Token returns a valid installation token, minting a new one when the
// cached token has less than ten minutes of life left. On a fresh mint the
// token is pushed to every registered sink.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedToken != "" && time.Until(p.expiresAt) > refreshMargin {
		return p.cachedToken, nil
	}

	token, expiresAt, err := p.mint(ctx)
	if err != nil {
		// A still-valid cached token beats failing the run outright.
		if p.cachedToken != "" && time.Now().Before(p.expiresAt) {
			slog.Warn("ghapp.refresh_failed_using_cached", "error", err)
			return p.cachedToken, nil
		}
		return "", err
	}

	p.cachedToken = token
	p.expiresAt = expiresAt
	for _, sink := range p.sinks {
		sink.UpdateToken(token)
	}
	return token, nil
}

// mint creates a JWT, resolves the installation ID if needed, and exchanges
// the JWT for an installation access token. Caller holds p.mu.
func (p *Provider) mint(ctx context.Context) (string, time.Time, error) {
	jwt, err := p.createJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create JWT: %w", err)
	}

	if p.installID == "" {
		id, err := p.detectInstallationID(ctx, jwt)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("detect installation: %w", err)
		}
		p.installID = id
		slog.Info("ghapp.installation_detected", "installation", id)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", p.apiBase, p.installID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	setJWTHeaders(req, jwt)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, fmt.Errorf("empty token in response")
	}

	slog.Info("ghapp.token_minted", "expires", result.ExpiresAt.Format(time.RFC3339))
	return result.Token, result.ExpiresAt, nil
}

// createJWT builds the RS256-signed App JWT: iat backdated 60s for clock
// skew, exp 10 minutes out.
func (p *Provider) createJWT() (string, error) {
	now := time.Now()
	header := base64URL([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := base64URL([]byte(fmt.Sprintf(`{"iss":"%s","iat":%d,"exp":%d}`,
		p.appID,
		now.Add(-60*time.Second).Unix(),
		now.Add(10*time.Minute).Unix(),
	)))

	signingInput := header + "." + payload
	hash := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(nil, p.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("sign JWT: %w", err)
	}
	return signingInput + "." + base64URL(sig), nil
}

// detectInstallationID lists the App's installations and picks the first.
func (p *Provider) detectInstallationID(ctx context.Context, jwt string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/app/installations", nil)
	if err != nil {
		return "", err
	}
	setJWTHeaders(req, jwt)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("list installations returned %d: %s", resp.StatusCode, string(body))
	}

	var installations []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &installations); err != nil {
		return "", fmt.Errorf("parse installations: %w", err)
	}
	if len(installations) == 0 {
		return "", fmt.Errorf("no installations found for app %s", p.appID)
	}
	return fmt.Sprintf("%d", installations[0].ID), nil
}

func setJWTHeaders(req *http.Request, jwt string) {
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// ParseRSAPrivateKey parses a PEM-encoded RSA private key in PKCS#1 or
// PKCS#8 form.
func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key (tried PKCS1 and PKCS8): %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA (got %T)", parsed)
	}
	return key, nil
}

func base64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
