package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrAuth marks a fatal authentication failure: bad credentials, an
// unparseable secret, or a venue rejection of a signed request. The CLI
// maps it to exit code 4.
var ErrAuth = errors.New("exchange: authentication failed")

// Auth signs private REST requests for the venue's API-key scheme:
//
//	signature = base64(HMAC-SHA512(path + SHA256(nonce + POST data), secret))
//
// where secret is the base64-decoded API secret. Every private request
// carries a strictly increasing nonce; the venue rejects replays.
type Auth struct {
	apiKey string
	secret []byte

	nonce atomic.Int64
}

// NewAuth creates an Auth from the configured API key and base64 secret.
func NewAuth(apiKey, apiSecret string) (*Auth, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: api key/secret not set", ErrAuth)
	}
	secret, err := decodeSecret(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: decode secret: %v", ErrAuth, err)
	}
	a := &Auth{apiKey: apiKey, secret: secret}
	a.nonce.Store(time.Now().UnixMilli())
	return a, nil
}

// APIKey returns the public API key sent in request headers.
func (a *Auth) APIKey() string {
	return a.apiKey
}

// Nonce returns a fresh strictly increasing nonce. Monotonic even if
// the wall clock steps backward, since the venue bans reused nonces.
func (a *Auth) Nonce() string {
	for {
		prev := a.nonce.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if a.nonce.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// Sign computes the request signature for a private endpoint.
// values must already contain the nonce.
func (a *Auth) Sign(path, nonce string, values url.Values) string {
	inner := sha256.Sum256([]byte(nonce + values.Encode()))

	mac := hmac.New(sha512.New, a.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the auth headers for a signed private request.
func (a *Auth) Headers(path, nonce string, values url.Values) map[string]string {
	return map[string]string{
		"API-Key":  a.apiKey,
		"API-Sign": a.Sign(path, nonce, values),
	}
}

// decodeSecret tolerates the common base64 variants API consoles emit.
func decodeSecret(secret string) ([]byte, error) {
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var err error
	for _, dec := range decoders {
		var b []byte
		if b, err = dec.DecodeString(secret); err == nil {
			return b, nil
		}
	}
	return nil, err
}
