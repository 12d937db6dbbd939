package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IngestAuthMiddleware validates signed sensor-upload requests. Shipboard
// gateways sign the timestamp and body with a shared secret; JWTs never
// reach the ingest path.
type IngestAuthMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{Secret: secret, MaxSkew: maxSkew}
}

// Wrap enforces the gateway signature before the upload handler runs.
// The body is read once here and replayed for the next handler.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		if err := m.verify(r, body); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// verify checks the gateway signature headers against the request body.
// The timestamp is bound into the signature, so a replayed request past
// MaxSkew fails even with a valid MAC.
func (m *IngestAuthMiddleware) verify(r *http.Request, body []byte) error {
	if len(m.Secret) == 0 {
		return errors.New("ingest auth not configured")
	}
	timestamp := strings.TrimSpace(r.Header.Get("X-Ingest-Timestamp"))
	signature := strings.TrimSpace(r.Header.Get("X-Ingest-Signature"))
	if timestamp == "" || signature == "" {
		return errors.New("missing ingest signature")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("invalid ingest timestamp")
	}
	if m.MaxSkew > 0 {
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > m.MaxSkew {
			return errors.New("ingest signature expired")
		}
	}
	expected := computeIngestSignature(m.Secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return errors.New("invalid ingest signature")
	}
	return nil
}

// computeIngestSignature is hex HMAC-SHA256 over "timestamp\nbody",
// matching what the gateways send.
func computeIngestSignature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
