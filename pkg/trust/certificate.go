package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultValidity is the lifetime of a freshly issued certificate.
const DefaultValidity = 365 * 24 * time.Hour

// SelfIssuer is the issuer recorded on self-signed certificates.
const SelfIssuer = "self"

// Certificate is the lightweight identity and trust record of one tool server.
// It is not an X.509 certificate: the public token is an opaque identity
// handle and no chain of trust is verified.
type Certificate struct {
	ServerID    string    `json:"server_id"`
	Fingerprint string    `json:"fingerprint"`
	PublicToken string    `json:"public_token"`
	Issuer      string    `json:"issuer"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Tier        Tier      `json:"tier"`
	SelfSigned  bool      `json:"self_signed"`
	// VerifiedBy is the fingerprint of the authority that stamped the
	// certificate as verified. Empty unless Tier is or was Verified.
	VerifiedBy string `json:"verified_by,omitempty"`
}

// Expired reports whether now is past the certificate's validity window.
func (c *Certificate) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// EffectiveTier is the tier in force at now. Expired certificates always
// read as Unverified, whatever tier is stored.
func (c *Certificate) EffectiveTier(now time.Time) Tier {
	if c.Expired(now) {
		return TierUnverified
	}
	return c.Tier
}

// Authority stamps the "verified" provenance of a certificate.
type Authority struct {
	Name        string    `json:"name"`
	PublicToken string    `json:"public_token"`
	Fingerprint string    `json:"fingerprint"`
	BuiltIn     bool      `json:"built_in"`
	AddedAt     time.Time `json:"added_at"`
}

// Fingerprint returns the content hash of an opaque public token.
func Fingerprint(token []byte) string {
	sum := sha256.Sum256(token)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FingerprintToken decodes a base64url public token and fingerprints it.
func FingerprintToken(publicToken string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(publicToken)
	if err != nil {
		return "", fmt.Errorf("decode public token: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("public token is empty")
	}
	return Fingerprint(raw), nil
}

// newSelfSigned issues a fresh self-signed Unverified certificate.
func newSelfSigned(serverID string, now time.Time, validity time.Duration, entropy io.Reader) (*Certificate, error) {
	pub, _, err := ed25519.GenerateKey(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate token for %q: %w", serverID, err)
	}
	return &Certificate{
		ServerID:    serverID,
		Fingerprint: Fingerprint(pub),
		PublicToken: base64.RawURLEncoding.EncodeToString(pub),
		Issuer:      SelfIssuer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(validity),
		Tier:        TierUnverified,
		SelfSigned:  true,
	}, nil
}

const (
	builtinAuthorityName = "mcphost root authority"
	builtinAuthoritySalt = "mcphost/trust/builtin-authority"
	builtinAuthorityInfo = "ed25519-seed-v1"
)

// BuiltinAuthority returns the fixed authority that exists in every store.
// Its token is derived deterministically so the fingerprint is stable across
// installs.
func BuiltinAuthority() Authority {
	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, []byte(builtinAuthorityName), []byte(builtinAuthoritySalt), []byte(builtinAuthorityInfo))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		// hkdf only fails after 255*HashLen bytes.
		panic(fmt.Sprintf("trust: derive builtin authority: %v", err))
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return Authority{
		Name:        builtinAuthorityName,
		PublicToken: base64.RawURLEncoding.EncodeToString(pub),
		Fingerprint: Fingerprint(pub),
		BuiltIn:     true,
	}
}

var defaultEntropy io.Reader = rand.Reader
