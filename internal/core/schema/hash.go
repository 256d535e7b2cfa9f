package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/dealbrain/dealbrain/internal/types"
)

// CanonicalHash returns the hex sha256 of the RFC 8785 canonical form of a
// JSON document, so key order and whitespace do not change the hash.
func CanonicalHash(data []byte) (string, error) {
	canon, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("%w: cannot canonicalize: %v", types.ErrInvalidBundle, err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
