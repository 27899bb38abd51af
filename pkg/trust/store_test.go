package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPersistence struct {
	*MemoryPersistence
	failSaves bool
}

func (f *failingPersistence) SaveCertificates(ctx context.Context, certs []Certificate) error {
	if f.failSaves {
		return errors.New("disk full")
	}
	return f.MemoryPersistence.SaveCertificates(ctx, certs)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *MemoryPersistence) {
	t.Helper()
	mem := NewMemoryPersistence()
	s, err := Open(context.Background(), mem, opts...)
	require.NoError(t, err)
	return s, mem
}

func customToken(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(pub)
}

func TestOpen_RegistersBuiltinAuthority(t *testing.T) {
	s, mem := newTestStore(t)

	auths := s.Authorities()
	require.Len(t, auths, 1)
	assert.True(t, auths[0].BuiltIn)
	assert.Equal(t, BuiltinAuthority().Fingerprint, auths[0].Fingerprint)

	persisted, err := mem.LoadAuthorities(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 1)

	// Reopening does not duplicate the built-in.
	s2, err := Open(context.Background(), mem)
	require.NoError(t, err)
	assert.Len(t, s2.Authorities(), 1)
}

func TestGetTier_CreatesExactlyOneCertificate(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	t1, err := s.GetTier(ctx, "demo")
	require.NoError(t, err)
	t2, err := s.GetTier(ctx, "demo")
	require.NoError(t, err)

	assert.Equal(t, TierUnverified, t1)
	assert.Equal(t, t1, t2)
	assert.Len(t, s.List(), 1)

	certs, err := mem.LoadCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].SelfSigned)
	assert.Equal(t, SelfIssuer, certs[0].Issuer)
	assert.Contains(t, certs[0].Fingerprint, "sha256:")
}

func TestEnsureCertificate_ReportsCreation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestTierOf_HasNoSideEffects(t *testing.T) {
	s, mem := newTestStore(t)
	before := mem.Saves()

	_, err := s.TierOf("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.List())
	assert.Equal(t, before, mem.Saves())
}

func TestTrustTransitions_LatestActionWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	builtin := BuiltinAuthority().Fingerprint

	_, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)

	c, err := s.Verify(ctx, "demo", builtin)
	require.NoError(t, err)
	assert.Equal(t, TierVerified, c.Tier)
	assert.Equal(t, builtin, c.VerifiedBy)
	assert.False(t, c.SelfSigned)

	assert.Equal(t, BuiltinAuthority().Name, c.Issuer)

	c, err = s.Untrust(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, c.Tier)
	assert.Empty(t, c.VerifiedBy)
	assert.Equal(t, SelfIssuer, c.Issuer)
	assert.True(t, c.SelfSigned)

	stored, err := s.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, SelfIssuer, stored.Issuer)
	assert.True(t, stored.SelfSigned)

	c, err = s.Trust(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, TierTrusted, c.Tier)

	tier, err := s.TierOf("demo")
	require.NoError(t, err)
	assert.Equal(t, TierTrusted, tier)
}

func TestMutations_OnMissingCertificate(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()
	before := mem.Saves()

	_, err := s.Trust(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Untrust(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Verify(ctx, "ghost", BuiltinAuthority().Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Remove(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Empty(t, s.List())
	assert.Equal(t, before, mem.Saves())
}

func TestVerify_UnknownAuthority(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)

	_, err = s.Verify(ctx, "demo", "sha256:deadbeef")
	assert.ErrorIs(t, err, ErrUnknownAuthority)

	c, err := s.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, c.Tier)
	assert.True(t, c.SelfSigned)
}

func TestExpiry_DemotesLazily(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, mem := newTestStore(t, WithClock(clock), WithValidity(24*time.Hour))
	ctx := context.Background()

	_, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	_, err = s.Trust(ctx, "demo")
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)

	// The read path reports the demotion without writing it.
	saves := mem.Saves()
	tier, err := s.TierOf("demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, tier)
	assert.Equal(t, saves, mem.Saves())

	tier, err = s.GetTier(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, tier)
	assert.Greater(t, mem.Saves(), saves)

	c, err := s.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, c.Tier)
	assert.True(t, c.ExpiresAt.After(now))
}

func TestTrust_RenewsExpiredCertificate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, WithClock(func() time.Time { return now }), WithValidity(time.Hour))
	ctx := context.Background()

	_, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)

	c, err := s.Trust(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, c.Expired(now))

	tier, err := s.TierOf("demo")
	require.NoError(t, err)
	assert.Equal(t, TierTrusted, tier)
}

func TestPersistenceFailure_LeavesStateUntouched(t *testing.T) {
	fp := &failingPersistence{MemoryPersistence: NewMemoryPersistence()}
	s, err := Open(context.Background(), fp)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)

	fp.failSaves = true
	_, err = s.Trust(ctx, "demo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist certificates")

	tier, err := s.TierOf("demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, tier)

	_, _, err = s.EnsureCertificate(ctx, "other")
	require.Error(t, err)
	_, err = s.Get("other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove_ThenRecreate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	_, err = s.Trust(ctx, "demo")
	require.NoError(t, err)

	removed, err := s.Remove(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, removed)

	tier, err := s.GetTier(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, TierUnverified, tier)

	second, err := s.Get("demo")
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestServerIDNormalization(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// "é" precomposed vs. "e" + combining acute.
	_, created, err := s.EnsureCertificate(ctx, "caf\u00e9")
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.EnsureCertificate(ctx, "  cafe\u0301 ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, s.List(), 1)

	_, _, err = s.EnsureCertificate(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidServerID)
	_, _, err = s.EnsureCertificate(ctx, "bad\x00id")
	assert.ErrorIs(t, err, ErrInvalidServerID)
}

func TestAddAuthority(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	token := customToken(t)

	a, err := s.AddAuthority(ctx, "acme", token)
	require.NoError(t, err)
	assert.False(t, a.BuiltIn)
	assert.Len(t, s.Authorities(), 2)
	assert.True(t, s.Authorities()[0].BuiltIn)

	_, err = s.AddAuthority(ctx, "acme-again", token)
	assert.ErrorIs(t, err, ErrAuthorityExists)

	_, err = s.AddAuthority(ctx, "impostor", BuiltinAuthority().PublicToken)
	assert.ErrorIs(t, err, ErrAuthorityExists)
	got, err := s.Authority(BuiltinAuthority().Fingerprint)
	require.NoError(t, err)
	assert.True(t, got.BuiltIn)

	_, err = s.AddAuthority(ctx, "broken", "%%%")
	assert.Error(t, err)

	_, _, err = s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	c, err := s.Verify(ctx, "demo", a.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "acme", c.Issuer)
}

func TestObserver_CalledOnCommit(t *testing.T) {
	var ops []string
	s, _ := newTestStore(t, WithObserver(func(_ context.Context, op string) { ops = append(ops, op) }))
	ctx := context.Background()

	_, _, err := s.EnsureCertificate(ctx, "demo")
	require.NoError(t, err)
	_, err = s.Trust(ctx, "demo")
	require.NoError(t, err)
	_, err = s.Trust(ctx, "ghost")
	require.Error(t, err)

	assert.Equal(t, []string{"issue", "trust"}, ops)
}

func TestBuiltinAuthority_IsStable(t *testing.T) {
	a, b := BuiltinAuthority(), BuiltinAuthority()
	assert.Equal(t, a, b)
	fp, err := FingerprintToken(a.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, fp)
}
