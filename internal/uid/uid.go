// Package uid provides identifier generation for FileGate.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewContentID generates a 32-character hex string used as the physical
// object id inside a bucket (and as temp file names) using crypto/rand.
func NewContentID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based id. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// NewFileID generates a UUID v4 for a logical File record. File ids are
// content-independent: two uploads of identical bytes get distinct ids.
func NewFileID() string {
	return uuid.NewString()
}

// IsUUID reports whether s is a well-formed UUID. Resumable upload
// identifiers are required to be client-supplied UUID v4 strings.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
