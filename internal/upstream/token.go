package upstream

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Miniserver auth endpoints. Unlike the value/command paths these do not
// vary between generations.
const (
	publicKeyPath   = "/jdev/sys/getPublicKey"
	keyExchangePath = "/jdev/sys/keyexchange"
	saltPath        = "/jdev/sys/getkey2"
	tokenPath       = "/jdev/sys/gettoken"
	refreshPath     = "/jdev/sys/refreshtoken"
)

// tokenRefreshMargin is how long before expiry a refresh is attempted.
const tokenRefreshMargin = 2 * time.Minute

// tokenAuth negotiates and maintains a Miniserver session token:
// RSA public key -> AES session key exchange -> HMAC credential proof ->
// JWT-style token attached to every subsequent request.
type tokenAuth struct {
	httpc   *http.Client
	baseURL string
	user    string
	pass    string
	logger  *zap.Logger

	mu         sync.Mutex // guards the fields below; held across refresh (single-flight)
	sessionKey []byte
	token      string
	expiry     time.Time
}

func newTokenAuth(httpc *http.Client, baseURL, user, pass string, logger *zap.Logger) *tokenAuth {
	return &tokenAuth{
		httpc:   httpc,
		baseURL: baseURL,
		user:    user,
		pass:    pass,
		logger:  logger,
	}
}

// Token returns a valid session token, negotiating or refreshing as needed.
// The mutex makes concurrent callers share one negotiation.
func (t *tokenAuth) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiry) > tokenRefreshMargin {
		return t.token, nil
	}

	if t.token != "" {
		// Try a cheap refresh first; fall back to a full negotiation.
		if err := t.refreshLocked(ctx); err == nil {
			return t.token, nil
		}
		t.logger.Debug("token refresh failed, renegotiating")
		t.token = ""
	}

	if err := t.negotiateLocked(ctx); err != nil {
		return "", err
	}
	return t.token, nil
}

// Invalidate drops the current token so the next call renegotiates.
func (t *tokenAuth) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.sessionKey = nil
	t.mu.Unlock()
}

// WSProtocol returns the WebSocket subprotocol carrying the session token.
func (t *tokenAuth) WSProtocol(ctx context.Context) (string, error) {
	tok, err := t.Token(ctx)
	if err != nil {
		return "", err
	}
	return "remotecontrol.token." + tok, nil
}

// negotiateLocked runs the full challenge: fetch RSA key, exchange an AES
// session key, prove credentials with an HMAC, collect the token.
// Caller holds t.mu.
func (t *tokenAuth) negotiateLocked(ctx context.Context) error {
	pub, err := t.fetchPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}

	// Fresh AES-256 session key per negotiation.
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	if err := aesBlockCheck(sessionKey); err != nil {
		return fmt.Errorf("session key unusable: %w", err)
	}

	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return fmt.Errorf("encrypt session key: %w", err)
	}
	if err := t.getLL(ctx, keyExchangePath+"/"+base64.URLEncoding.EncodeToString(encrypted), nil); err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}

	var saltResp struct {
		Salt string `json:"salt"`
	}
	if err := t.getLL(ctx, saltPath+"/"+url.PathEscape(t.user), &saltResp); err != nil {
		return fmt.Errorf("fetch salt: %w", err)
	}

	mac := hmac.New(sha256.New, sessionKey)
	fmt.Fprintf(mac, "%s:%s:%s", t.user, t.pass, saltResp.Salt)
	proof := hex.EncodeToString(mac.Sum(nil))

	var tokenResp struct {
		Token    string `json:"token"`
		ValidTil int64  `json:"validUntil,omitempty"`
	}
	path := fmt.Sprintf("%s/%s/%s", tokenPath, proof, url.PathEscape(t.user))
	if err := t.getLL(ctx, path, &tokenResp); err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if tokenResp.Token == "" {
		return fmt.Errorf("%w: empty token in response", ErrAuthFailed)
	}

	t.sessionKey = sessionKey
	t.token = tokenResp.Token
	t.expiry = tokenExpiry(tokenResp.Token, tokenResp.ValidTil)

	t.logger.Info("miniserver token negotiated",
		zap.Time("expires", t.expiry),
	)
	return nil
}

// refreshLocked extends the current token. Caller holds t.mu.
func (t *tokenAuth) refreshLocked(ctx context.Context) error {
	var resp struct {
		Token    string `json:"token"`
		ValidTil int64  `json:"validUntil,omitempty"`
	}
	if err := t.getLL(ctx, refreshPath+"/"+url.PathEscape(t.token), &resp); err != nil {
		return err
	}
	if resp.Token != "" {
		t.token = resp.Token
	}
	t.expiry = tokenExpiry(t.token, resp.ValidTil)
	t.logger.Debug("miniserver token refreshed", zap.Time("expires", t.expiry))
	return nil
}

// fetchPublicKey retrieves and parses the Miniserver RSA public key.
func (t *tokenAuth) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	var resp struct {
		PubKey string `json:"pubKey"`
	}
	if err := t.getLL(ctx, publicKeyPath, &resp); err != nil {
		return nil, err
	}

	keyData := []byte(resp.PubKey)
	if block, _ := pem.Decode(keyData); block != nil {
		keyData = block.Bytes
	} else if decoded, err := base64.StdEncoding.DecodeString(resp.PubKey); err == nil {
		keyData = decoded
	}

	parsed, err := x509.ParsePKIXPublicKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// getLL performs a GET against an auth endpoint and decodes the Miniserver's
// {"LL":{"value":...}} envelope into out (when out is non-nil).
func (t *tokenAuth) getLL(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return transientf("auth request %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d on %s", ErrAuthFailed, resp.StatusCode, path)
	}
	if resp.StatusCode != http.StatusOK {
		return transientf("auth request %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		LL struct {
			Value json.RawMessage `json:"value"`
			Code  string          `json:"Code"`
		} `json:"LL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &ParseError{Msg: fmt.Sprintf("auth response %s: %v", path, err)}
	}

	raw := envelope.LL.Value
	if len(raw) == 0 {
		return &ParseError{Msg: "auth response missing LL.value"}
	}
	// The value is either the target object or a bare string.
	if err := json.Unmarshal(raw, out); err != nil {
		var s string
		if serr := json.Unmarshal(raw, &s); serr == nil {
			return json.Unmarshal([]byte(s), out)
		}
		return &ParseError{Msg: fmt.Sprintf("auth payload %s: %v", path, err)}
	}
	return nil
}

// tokenExpiry extracts the expiry from JWT claims, preferring the explicit
// validUntil field. Defaults to a conservative 10 minutes when neither is
// available.
func tokenExpiry(token string, validTil int64) time.Time {
	if validTil > 0 {
		return time.Unix(validTil, 0)
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(10 * time.Minute)
}

// aesBlockCheck verifies the generated key is usable; kept close to key
// generation so a bad key length fails the negotiation, not the first read.
func aesBlockCheck(key []byte) error {
	_, err := aes.NewCipher(key)
	return err
}
