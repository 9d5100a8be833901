package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
)

// Receipt headers a caller presents after settling a challenge.
const (
	HeaderReceipt = "X-Payment-Receipt"
	HeaderNonce   = "X-Payment-Nonce"
	HeaderPayer   = "X-Payment-Payer"
)

// Receipt is the verifier's attestation of a settled on-chain payment.
type Receipt struct {
	TxID          string `json:"tx_id"`
	Payer         string `json:"payer"`
	AmountMicro   int64  `json:"amount_micro"`
	Confirmations int    `json:"confirmations"`
}

// ReceiptVerifier checks a presented receipt against the chain. The actual
// signature and settlement verification is an external collaborator; this
// interface is its seam.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receipt, nonce, payer string) (*Receipt, error)
}

// HTTPVerifier calls the receipt-verifier service. Its failures map onto two
// kinds: RECEIPT_INVALID (the verifier answered and said no) and
// VERIFIER_UNAVAILABLE (no usable answer).
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, receipt, nonce, payer string) (*Receipt, error) {
	payload, _ := json.Marshal(map[string]string{
		"receipt": receipt,
		"nonce":   nonce,
		"payer":   payer,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, core.Wrap(core.KindVerifierUnavailable, "build verifier request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindVerifierUnavailable, "receipt verifier unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		var r Receipt
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, core.Wrap(core.KindVerifierUnavailable, "malformed verifier response", err)
		}
		return &r, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, core.Ef(core.KindReceiptInvalid, "receipt rejected: %s", verifierReason(body))
	default:
		return nil, core.Ef(core.KindVerifierUnavailable, "verifier returned %d", resp.StatusCode)
	}
}

func verifierReason(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("%d bytes of unparseable detail", len(body))
}
