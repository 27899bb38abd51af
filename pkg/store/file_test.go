package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

func sampleCerts() []trust.Certificate {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []trust.Certificate{
		{
			ServerID:    "demo",
			Fingerprint: "sha256:aa",
			PublicToken: "dG9rZW4",
			Issuer:      trust.SelfIssuer,
			IssuedAt:    ts,
			ExpiresAt:   ts.Add(trust.DefaultValidity),
			Tier:        trust.TierTrusted,
			SelfSigned:  true,
		},
		{
			ServerID:    "weather",
			Fingerprint: "sha256:bb",
			PublicToken: "b3RoZXI",
			Issuer:      "acme",
			IssuedAt:    ts,
			ExpiresAt:   ts.Add(time.Hour),
			Tier:        trust.TierVerified,
			VerifiedBy:  "sha256:cc",
		},
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	certs, err := fs.LoadCertificates(ctx)
	require.NoError(t, err)
	assert.Empty(t, certs)

	require.NoError(t, fs.SaveCertificates(ctx, sampleCerts()))
	got, err := fs.LoadCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleCerts(), got)

	auths := []trust.Authority{trust.BuiltinAuthority()}
	require.NoError(t, fs.SaveAuthorities(ctx, auths))
	gotAuths, err := fs.LoadAuthorities(ctx)
	require.NoError(t, err)
	assert.Equal(t, auths[0].Fingerprint, gotAuths[0].Fingerprint)
}

func TestFileStore_EmptySetRoundTrips(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.SaveCertificates(ctx, sampleCerts()))
	require.NoError(t, fs.SaveCertificates(ctx, nil))
	got, err := fs.LoadCertificates(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.SaveCertificates(ctx, sampleCerts()))

	path := filepath.Join(dir, certificatesFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"tier": "verified"`, `"tier": "trusted"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	_, err = fs.LoadCertificates(ctx)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, fs.SaveCertificates(ctx, sampleCerts()))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, certificatesFile, entries[0].Name())

	info, err := os.Stat(filepath.Join(dir, certificatesFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_BacksTrustStoreAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	s, err := trust.Open(ctx, fs)
	require.NoError(t, err)
	_, _, err = s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	_, err = s.Trust(ctx, "demo")
	require.NoError(t, err)

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	s2, err := trust.Open(ctx, fs2)
	require.NoError(t, err)
	tier, err := s2.TierOf("demo")
	require.NoError(t, err)
	assert.Equal(t, trust.TierTrusted, tier)
	assert.Len(t, s2.Authorities(), 1)
}
