// Package types holds the identifier, money, and mandate primitives shared
// by every Sardis component. Everything here is plain data: no I/O, no
// clocks, no globals.
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID kinds. Every identifier in the system is an opaque namespaced string
// whose prefix denotes its kind.
const (
	PrefixOrg             = "org"
	PrefixAgent           = "agt"
	PrefixWallet          = "wal"
	PrefixPayment         = "pay"
	PrefixMandate         = "mnd"
	PrefixHold            = "hld"
	PrefixCard            = "crd"
	PrefixExternalAccount = "eba"
	PrefixFinancialAcct   = "fin"
	PrefixLedgerEntry     = "ltx"
	PrefixApproval        = "apr"
	PrefixWebhookEvent    = "wev"
	PrefixDecision        = "dec"
	PrefixBreak           = "brk"
)

// NewID mints a namespaced identifier, e.g. NewID("pay") -> "pay_6f1c...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// KindOf returns the prefix of a namespaced id, or "" if malformed.
func KindOf(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// ValidateID checks that id carries the expected prefix and a non-empty body.
func ValidateID(id, prefix string) error {
	if KindOf(id) != prefix || len(id) <= len(prefix)+1 {
		return fmt.Errorf("malformed %s id %q", prefix, id)
	}
	return nil
}
