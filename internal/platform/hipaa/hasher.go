package hipaa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"
)

// IdentifierHasher produces deterministic salted SHA-256 hashes of patient
// identifiers for audit entries. The salt comes from SESSION_SECRET; when
// that is absent a random per-process salt is generated so hashes are never
// predictable, at the cost of cross-restart determinism.
type IdentifierHasher struct {
	salt []byte
}

// NewIdentifierHasher creates a hasher from the given secret. An empty
// secret falls back to a random per-process salt with a loud warning.
func NewIdentifierHasher(secret string) *IdentifierHasher {
	if secret != "" {
		return &IdentifierHasher{salt: []byte(secret)}
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		panic("hipaa hasher: cannot read random salt: " + err.Error())
	}
	log.Println("WARNING: SESSION_SECRET is not set; PHI hashes use a random per-process salt and will not match across restarts")
	return &IdentifierHasher{salt: salt}
}

// Hash returns the hex SHA-256 of salt||identifier. Empty input hashes to
// the empty string so absent identifiers stay absent in the trail.
func (h *IdentifierHasher) Hash(identifier string) string {
	if identifier == "" {
		return ""
	}
	sum := sha256.New()
	sum.Write(h.salt)
	sum.Write([]byte(identifier))
	return hex.EncodeToString(sum.Sum(nil))
}
