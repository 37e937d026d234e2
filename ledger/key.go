package ledger

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"payrollbridge/period"
)

const keyVersion = "payroll:v1"

// KeyFor derives the idempotency key of a worker's payment in a period.
// The same inputs always produce the same key across processes and releases
// of the same key version.
func KeyFor(workerID string, p period.Period) string {
	canonical := strings.Join([]string{keyVersion, workerID, p.Key()}, "|")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
