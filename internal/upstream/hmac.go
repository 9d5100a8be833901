// Package upstream talks to the arrakis hub, the authoritative budget
// service. Every call carries a service-to-service HMAC envelope; budget
// reads go through a circuit breaker with exponential-backoff retries.
package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope header names.
const (
	HeaderKeyID     = "X-Loa-Key-Id"
	HeaderTimestamp = "X-Loa-Timestamp"
	HeaderNonce     = "X-Loa-Nonce"
	HeaderSignature = "X-Loa-Signature"
	HeaderTraceID   = "X-Loa-Trace-Id"
)

// maxSkew bounds how far a signed timestamp may drift from local time.
const maxSkew = 30 * time.Second

// Signer produces and checks the s2s envelope. Signing always uses the
// primary secret; verification accepts primary or secondary so the two
// services can rotate without a synchronized deploy.
type Signer struct {
	keyID     string
	primary   []byte
	secondary []byte
	now       func() time.Time
}

func NewSigner(keyID, primary, secondary string) *Signer {
	s := &Signer{keyID: keyID, primary: []byte(primary), now: time.Now}
	if secondary != "" {
		s.secondary = []byte(secondary)
	}
	return s
}

// canonical builds the signing string. Any change here is a wire break with
// the hub.
func canonical(method, path string, body []byte, timestamp, nonce, traceID string) string {
	bodyHash := sha256.Sum256(body)
	return strings.Join([]string{
		method,
		path,
		hex.EncodeToString(bodyHash[:]),
		timestamp,
		nonce,
		traceID,
	}, "\n")
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign stamps the envelope headers onto req.
func (s *Signer) Sign(req *http.Request, body []byte, traceID string) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := uuid.NewString()

	req.Header.Set(HeaderKeyID, s.keyID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderTraceID, traceID)
	req.Header.Set(HeaderSignature,
		sign(s.primary, canonical(req.Method, req.URL.Path, body, timestamp, nonce, traceID)))
}

// Verify checks an inbound envelope against both secrets.
func (s *Signer) Verify(method, path string, body []byte, hdr http.Header) error {
	timestamp := hdr.Get(HeaderTimestamp)
	nonce := hdr.Get(HeaderNonce)
	signature := hdr.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return fmt.Errorf("incomplete signature envelope")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", err)
	}
	drift := s.now().Sub(time.Unix(ts, 0))
	if drift > maxSkew || drift < -maxSkew {
		return fmt.Errorf("timestamp outside skew window")
	}

	payload := canonical(method, path, body, timestamp, nonce, hdr.Get(HeaderTraceID))
	if hmac.Equal([]byte(signature), []byte(sign(s.primary, payload))) {
		return nil
	}
	if s.secondary != nil && hmac.Equal([]byte(signature), []byte(sign(s.secondary, payload))) {
		return nil
	}
	return fmt.Errorf("signature mismatch")
}
