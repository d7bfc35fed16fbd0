package helpers

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// ContentHash returns the hex-encoded BLAKE3 hash of data. Message bodies
// are stored content-addressed under this hash so identical messages share
// a single object.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MessageKey is the object storage key for a message body. Keys are
// scoped by account so identical bodies imported by different accounts
// stay independently deletable.
func MessageKey(accountID int64, contentHash string) string {
	return fmt.Sprintf("%d/%s", accountID, contentHash)
}
