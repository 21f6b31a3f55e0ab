package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// DefaultClockTolerance bounds the allowed skew of X-Timestamp.
const DefaultClockTolerance = 300 * time.Second

// HMACVerifier validates request signatures made with a per-client shared
// secret over the timestamp, method, path and body digest.
type HMACVerifier struct {
	secrets   map[string][]byte
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier creates an HMAC strategy. A zero tolerance uses
// DefaultClockTolerance; a nil now uses time.Now.
func NewHMACVerifier(secrets map[string]string, tolerance time.Duration, now func() time.Time) *HMACVerifier {
	if tolerance <= 0 {
		tolerance = DefaultClockTolerance
	}
	if now == nil {
		now = time.Now
	}
	s := make(map[string][]byte, len(secrets))
	for id, secret := range secrets {
		s[id] = []byte(secret)
	}
	return &HMACVerifier{secrets: s, tolerance: tolerance, now: now}
}

// Verify checks the X-Client-Id, X-Timestamp and X-Signature headers.
func (v *HMACVerifier) Verify(_ context.Context, c gateway.Credentials) (*gateway.AuthContext, error) {
	clientID := c.Header.Get(HeaderClientID)
	ts := c.Header.Get(HeaderTimestamp)
	sig := c.Header.Get(HeaderSignature)
	if clientID == "" || ts == "" || sig == "" {
		return nil, fmt.Errorf("%w: hmac: incomplete signature headers", gateway.ErrUnauthorized)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac: malformed timestamp", gateway.ErrUnauthorized)
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return nil, fmt.Errorf("%w: hmac: timestamp outside tolerance", gateway.ErrUnauthorized)
	}

	secret, ok := v.secrets[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: hmac: unknown client", gateway.ErrUnauthorized)
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac: malformed signature", gateway.ErrUnauthorized)
	}
	if !hmac.Equal(got, mac(secret, ts, c.Method, c.Path, c.Body)) {
		return nil, fmt.Errorf("%w: hmac: signature mismatch", gateway.ErrUnauthorized)
	}

	return &gateway.AuthContext{
		Identity: clientID,
		Method:   gateway.AuthHMAC,
		ClientID: clientID,
	}, nil
}

// Sign returns the hex signature a client sends in X-Signature.
func Sign(secret, timestamp, method, path string, body []byte) string {
	return hex.EncodeToString(mac([]byte(secret), timestamp, method, path, body))
}

// FormBody is the byte string whose digest an HMAC signature covers for a
// multipart upload: the text fields (never the file) as compact JSON with
// sorted keys and no HTML escaping, e.g. {"language":"ja","model":"whisper-1"}.
// Empty values are left out.
func FormBody(fields map[string]string) []byte {
	present := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			present[k] = v
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(present) //nolint:errcheck // map[string]string always encodes
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
}

// mac computes HMAC-SHA256 over "ts\nMETHOD\npath\nhex(sha256(body))".
func mac(secret []byte, ts, method, path string, body []byte) []byte {
	digest := sha256.Sum256(body)
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write([]byte(hex.EncodeToString(digest[:])))
	return h.Sum(nil)
}
