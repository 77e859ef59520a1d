package notify

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// MessageID derives the idempotence key of a message from its command and
// payload. Republishing identical content yields the same ID.
func MessageID(command string, payload []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(command))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
