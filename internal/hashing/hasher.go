package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/argon2"

	"kyc-service/internal/config"
)

// identityParams tune the Argon2id derivation of identity hashes. These are
// lookup hashes, not password hashes: the salt is derived from the pepper so
// the same document always maps to the same value.
type identityParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	keyLength   uint32
}

// Hasher derives deterministic, peppered hashes over identity documents so
// the same physical document resubmitted under a different wallet can be
// flagged without storing the document number in the clear.
type Hasher struct {
	params identityParams
	pepper string
	salt   []byte
}

func NewHasher(cfg *config.Config) *Hasher {
	// Salt is fixed per pepper: determinism is the point here.
	saltSeed := sha256.Sum256([]byte("identity-salt:" + cfg.Hashing.Pepper))

	return &Hasher{
		params: identityParams{
			memory:      64 * 1024,
			iterations:  2,
			parallelism: 2,
			keyLength:   32,
		},
		pepper: cfg.Hashing.Pepper,
		salt:   saltSeed[:16],
	}
}

// IdentityHash maps a document number and issuing nationality to a stable
// opaque value. Inputs are canonicalized so formatting differences do not
// defeat the duplicate check.
func (h *Hasher) IdentityHash(docNumber, nationality string) string {
	canonical := canonicalize(docNumber) + "|" + canonicalize(nationality)
	contextual := canonical + h.pepper + "identity"

	hash := argon2.IDKey(
		[]byte(contextual),
		h.salt,
		h.params.iterations,
		h.params.memory,
		h.params.parallelism,
		h.params.keyLength,
	)

	return base64.RawURLEncoding.EncodeToString(hash)
}

// PayloadDigest keys webhook replay detection: an HMAC over the raw delivery
// body under the pepper, cheap enough to compute on every delivery.
func (h *Hasher) PayloadDigest(rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(h.pepper))
	mac.Write(rawBody)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func canonicalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
}
