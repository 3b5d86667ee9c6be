// Package x402 defines the wire types exchanged with a payment
// facilitator under the x402 protocol (https://github.com/coinbase/x402):
// the 402 challenge body returned to an unpaid caller, and the
// /verify and /settle request/response pairs the gateway's
// PaymentChallenger POSTs to the configured facilitator. Generalized
// from the teacher's pkg/x402/types.go, which hard-coded a single
// Solana SPL-transfer scheme; this gateway never inspects or executes
// a payment itself; it only forwards the caller's X-Payment header to
// an external facilitator and relays the verdict.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// PaymentRequirement is the 402 challenge body, and the shape echoed
// back to the facilitator's /verify and /settle calls as
// paymentRequirements.
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	Asset             string         `json:"asset"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentPayload is the base64-decoded JSON carried in the X-Payment
// request header. Its Payload field is scheme-dependent and is
// forwarded to the facilitator unparsed; the gateway never interprets
// it itself.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     any    `json:"payload"`
}

// DecodePaymentHeader decodes the X-Payment header into a
// PaymentPayload, accepting both base64 and (for local testing) raw
// JSON.
func DecodePaymentHeader(header string) (PaymentPayload, []byte, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return PaymentPayload{}, nil, errors.New("x402: empty payment header")
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return PaymentPayload{}, nil, errors.New("x402: payment header is not valid base64 or JSON")
			}
		}
		data = decoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, nil, errors.New("x402: payment header does not decode to a payment payload")
	}
	return payload, data, nil
}

// VerifyRequest is the body posted to the facilitator's /verify endpoint.
type VerifyRequest struct {
	PaymentPayload      json.RawMessage    `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's /verify response.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleRequest is the body posted to the facilitator's /settle endpoint.
type SettleRequest struct {
	PaymentPayload      json.RawMessage    `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// SettleResponse is the facilitator's /settle response.
type SettleResponse struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	PayerAddress string `json:"payerAddress,omitempty"`
	ErrorReason  string `json:"errorReason,omitempty"`
}
