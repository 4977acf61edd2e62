package snowpipe

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenRefreshMargin is how long before expiry a cached OAuth token is
// considered stale and re-exchanged.
const tokenRefreshMargin = 3000 * time.Second

// jwtLifetime is the validity window of a generated assertion JWT.
const jwtLifetime = time.Hour

// AuthError is fatal: the pipeline halts rather than retrying, since bad
// credentials never get better on their own.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("snowpipe auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Authenticator produces the bearer token and the token type announced in
// the X-Snowflake-Authorization-Token-Type header.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	TokenType() string
}

// PATAuth authenticates with a pre-issued programmatic access token. The
// token is used as-is; rotation is an operator concern.
type PATAuth struct {
	pat string
}

func NewPATAuth(pat string) *PATAuth { return &PATAuth{pat: pat} }

func (a *PATAuth) Token(context.Context) (string, error) { return a.pat, nil }
func (a *PATAuth) TokenType() string                     { return "PROGRAMMATIC_ACCESS_TOKEN" }

// KeyPairAuth authenticates with an RSA key pair: it signs a short-lived JWT
// and exchanges it for an OAuth access token scoped to the configured role.
// The access token is cached and refreshed ahead of expiry.
type KeyPairAuth struct {
	account string
	user    string
	role    string
	key     *rsa.PrivateKey

	// Token exchange endpoint, overridable in tests.
	tokenURL string
	http     *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewKeyPairAuth loads the PEM private key at path and prepares key-pair
// authentication for the given account, user and role.
func NewKeyPairAuth(account, user, role, path string) (*KeyPairAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &AuthError{Op: "read private key", Err: err}
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, &AuthError{Op: "parse private key", Err: err}
	}
	return &KeyPairAuth{
		account:  strings.ToUpper(account),
		user:     strings.ToUpper(user),
		role:     strings.ToUpper(role),
		key:      key,
		tokenURL: fmt.Sprintf("https://%s.snowflakecomputing.com/oauth/token", strings.ToLower(account)),
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key is neither PKCS#8 nor PKCS#1: %w", err)
	}
	return key, nil
}

func (a *KeyPairAuth) TokenType() string { return "OAUTH" }

// Token returns a valid OAuth access token, exchanging a fresh JWT when the
// cached one is near expiry.
func (a *KeyPairAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expires) > tokenRefreshMargin {
		return a.token, nil
	}

	assertion, err := a.signJWT(time.Now())
	if err != nil {
		return "", &AuthError{Op: "sign jwt", Err: err}
	}
	token, err := a.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expires = time.Now().Add(jwtLifetime)
	return token, nil
}

// signJWT builds the assertion. The issuer carries the SHA-256 fingerprint
// of the DER-encoded public key, which is how the server matches the
// assertion to the key registered on the user.
func (a *KeyPairAuth) signJWT(now time.Time) (string, error) {
	fp, err := publicKeyFingerprint(a.key)
	if err != nil {
		return "", err
	}
	qualified := a.account + "." + a.user
	claims := jwt.MapClaims{
		"iss": qualified + ".SHA256:" + fp,
		"sub": qualified,
		"iat": now.Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

func publicKeyFingerprint(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

func (a *KeyPairAuth) exchange(ctx context.Context, assertion string) (string, error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
		"scope":      {"session:role:" + a.role},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Op: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", &AuthError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthError{Op: "read token response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Op: "token exchange",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	// The endpoint returns the access token as a bare string.
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", &AuthError{Op: "token exchange", Err: fmt.Errorf("empty access token")}
	}
	return token, nil
}
