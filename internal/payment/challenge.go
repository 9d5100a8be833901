// Package payment implements the payment-decision middleware: the ordered
// branch matrix over free, API-key, receipt, and challenge, plus the signed
// challenge objects anonymous callers receive with a 402.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Challenge is the signed, time-limited description of what an anonymous
// caller must pay. The binding ties it to one request shape so a receipt
// cannot be replayed against a different call; the HMAC makes the whole
// object tamper-evident without server-side state.
type Challenge struct {
	Amount         string `json:"amount"` // micro-units, decimal string
	Recipient      string `json:"recipient"`
	ChainID        int64  `json:"chain_id"`
	Token          string `json:"token"`
	Nonce          string `json:"nonce"`
	Expiry         int64  `json:"expiry"` // unix seconds
	RequestPath    string `json:"request_path"`
	RequestMethod  string `json:"request_method"`
	RequestBinding string `json:"request_binding"`
	HMAC           string `json:"hmac"`
}

// ChallengeMinter mints and verifies challenges under one server secret.
type ChallengeMinter struct {
	secret      []byte
	amountMicro int64
	recipient   string
	chainID     int64
	token       string
	ttl         time.Duration
	now         func() time.Time
}

// MinterConfig wires the minter; the secret comes from env at startup.
type MinterConfig struct {
	Secret      []byte
	AmountMicro int64
	Recipient   string
	ChainID     int64
	Token       string
	TTL         time.Duration
	Now         func() time.Time
}

func NewChallengeMinter(cfg MinterConfig) *ChallengeMinter {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ChallengeMinter{
		secret:      cfg.Secret,
		amountMicro: cfg.AmountMicro,
		recipient:   cfg.Recipient,
		chainID:     cfg.ChainID,
		token:       cfg.Token,
		ttl:         cfg.TTL,
		now:         cfg.Now,
	}
}

// RequestBinding hashes the request shape into a short prefix: the first 16
// hex chars of SHA-256 over method, path, and the body hash.
func RequestBinding(method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\n%s\n%s",
		method, path, hex.EncodeToString(bodyHash[:]))))
	return hex.EncodeToString(sum[:])[:16]
}

// Mint issues a fresh challenge bound to the given request.
func (m *ChallengeMinter) Mint(method, path string, body []byte) *Challenge {
	c := &Challenge{
		Amount:         fmt.Sprintf("%d", m.amountMicro),
		Recipient:      m.recipient,
		ChainID:        m.chainID,
		Token:          m.token,
		Nonce:          uuid.NewString(),
		Expiry:         m.now().Add(m.ttl).Unix(),
		RequestPath:    path,
		RequestMethod:  method,
		RequestBinding: RequestBinding(method, path, body),
	}
	c.HMAC = m.sign(c)
	return c
}

// Verify checks the HMAC and the expiry. The nonce's single-use property is
// enforced separately via the store.
func (m *ChallengeMinter) Verify(c *Challenge) bool {
	if c == nil || m.now().Unix() > c.Expiry {
		return false
	}
	return hmac.Equal([]byte(m.sign(c)), []byte(c.HMAC))
}

// sign covers every field except the HMAC itself, newline-joined in a fixed
// order.
func (m *ChallengeMinter) sign(c *Challenge) string {
	canonical := strings.Join([]string{
		c.Amount,
		c.Recipient,
		fmt.Sprintf("%d", c.ChainID),
		c.Token,
		c.Nonce,
		fmt.Sprintf("%d", c.Expiry),
		c.RequestPath,
		c.RequestMethod,
		c.RequestBinding,
	}, "\n")
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
