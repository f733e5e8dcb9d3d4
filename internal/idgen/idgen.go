// Package idgen generates prefixed identifiers and deterministic operation tokens.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the aggregates the engine owns.
const (
	PrefixTransaction = "txn_"
	PrefixDispute     = "dsp_"
	PrefixSanction    = "snc_"
	PrefixEscalation  = "esq_"
)

// operationNamespace scopes operation tokens so they never collide with
// tokens derived for other purposes.
var operationNamespace = uuid.MustParse("6f1c5a8e-3b0d-4f5e-9a7c-2d4b8e1f0a93")

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OperationToken derives the idempotency token for an escrow operation on a
// transaction. The same inputs always produce the same token, so a retried
// release or refund is recognised by the custody rail as the same request.
func OperationToken(transactionID, operation string) string {
	return uuid.NewSHA1(operationNamespace, []byte(transactionID+"/"+operation)).String()
}
