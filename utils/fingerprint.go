package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a stable key for a message body. It identifies
// redeliveries of messages that carry no message id.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
