package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrMissingSecret reports that no HMAC key is configured. This is a
// configuration fault and must never be reported as a signature mismatch.
var ErrMissingSecret = errors.New("signature secret is not configured")

// Signature computes the callback signature the gateway attaches to a
// successful payment: lowercase hex HMAC-SHA256 over
// "{order_id}|{payment_id}" keyed with the key secret.
func Signature(secret, orderID, paymentID string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether claimed is the exact signature of
// (orderID, paymentID) under secret. The comparison is constant time and
// case sensitive.
func VerifySignature(secret, orderID, paymentID, claimed string) (bool, error) {
	want, err := Signature(secret, orderID, paymentID)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(claimed)), nil
}
