// Package idgen generates the prefixed random identifiers used for
// accounts, auth attempts, risk assessments, and request tracing.
// Transaction IDs are not generated here; they embed the per-account
// sequence instead.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars of crypto randomness
// (e.g. "acct_", "att_", "risk_", "req_").
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
