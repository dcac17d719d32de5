package filter

import (
	"crypto/sha256"
	"encoding/hex"
)

// ExprHash returns the canonical filterExprHash for expr (spec.md §4.1):
// the SHA-256 of the expression's canonical JSON wire encoding, hex
// encoded. Two expressions that are structurally identical — same tags,
// same field values, same tree shape — always hash the same regardless of
// how they were constructed (DSL, JSON, or Go constructors), and a
// derivation's checkpoint is discarded whenever the stored hash no longer
// matches the live filter's hash.
func ExprHash(expr Expr) (string, error) {
	data, err := ToJSON(expr)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
