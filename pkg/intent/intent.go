// Package intent defines the payment intent and its canonical form. The canonical
// string binds the visual nonce and the submitted proof to specific transaction
// terms, so the field order is fixed and must match exactly between the checkout
// page and the verification service.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNegativeAmount is returned when an intent carries a negative amount.
var ErrNegativeAmount = errors.New("intent amount must not be negative")

// PaymentIntent describes the transaction terms a proof is bound to.
type PaymentIntent struct {
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Description       string  `json:"description"`
	MerchantReference string  `json:"merchant_reference,omitempty"`
}

// Normalize uppercases the currency and defaults the merchant reference to a
// timestamp-based value when absent. It returns a copy; intents are never mutated
// after parsing.
func (i PaymentIntent) Normalize(now time.Time) (PaymentIntent, error) {
	if i.Amount < 0 {
		return PaymentIntent{}, ErrNegativeAmount
	}

	i.Currency = strings.ToUpper(i.Currency)
	if i.MerchantReference == "" {
		i.MerchantReference = fmt.Sprintf("ref-%d", now.UnixMilli())
	}

	return i, nil
}

// Canonical returns the stable string form: amount|CURRENCY|description|reference.
// The amount renders without trailing zeros so both sides produce identical text
// for identical values.
func (i PaymentIntent) Canonical() string {
	amount := strconv.FormatFloat(i.Amount, 'f', -1, 64)
	return amount + "|" + i.Currency + "|" + i.Description + "|" + i.MerchantReference
}

// Hash returns the hex SHA-256 digest of the canonical string. Equal hashes imply
// byte-identical canonical strings, which is what makes the hash a tamper check
// rather than just an identifier.
func (i PaymentIntent) Hash() string {
	sum := sha256.Sum256([]byte(i.Canonical()))
	return hex.EncodeToString(sum[:])
}
