package trust

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Persistence is the durable backing of a Store. Implementations must be
// crash-consistent: a Save either fully replaces the stored set or leaves the
// previous set intact.
type Persistence interface {
	LoadCertificates(ctx context.Context) ([]Certificate, error)
	SaveCertificates(ctx context.Context, certs []Certificate) error
	LoadAuthorities(ctx context.Context) ([]Authority, error)
	SaveAuthorities(ctx context.Context, authorities []Authority) error
}

// Store owns the certificate set of every known tool server.
//
// All mutations are write-then-confirm: the new state is persisted first and
// only committed to memory once persistence succeeded.
type Store struct {
	mu          sync.Mutex
	certs       map[string]*Certificate
	authorities map[string]*Authority
	persist     Persistence

	clock    func() time.Time
	validity time.Duration
	entropy  io.Reader
	logger   *slog.Logger
	observe  func(ctx context.Context, op string)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithValidity sets the validity window of newly issued certificates.
func WithValidity(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithObserver registers a callback invoked after every committed mutation.
func WithObserver(fn func(ctx context.Context, op string)) Option {
	return func(s *Store) { s.observe = fn }
}

func withEntropy(r io.Reader) Option {
	return func(s *Store) { s.entropy = r }
}

// Open loads the persisted certificates and authorities and makes sure the
// built-in authority is registered.
func Open(ctx context.Context, p Persistence, opts ...Option) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("trust store requires a persistence backend")
	}
	s := &Store{
		certs:       make(map[string]*Certificate),
		authorities: make(map[string]*Authority),
		persist:     p,
		clock:       time.Now,
		validity:    DefaultValidity,
		entropy:     defaultEntropy,
		logger:      slog.Default().With("component", "trust"),
	}
	for _, opt := range opts {
		opt(s)
	}

	certs, err := p.LoadCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	for i := range certs {
		c := certs[i]
		s.certs[c.ServerID] = &c
	}

	auths, err := p.LoadAuthorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load authorities: %w", err)
	}
	for i := range auths {
		a := auths[i]
		s.authorities[a.Fingerprint] = &a
	}

	builtin := BuiltinAuthority()
	if _, ok := s.authorities[builtin.Fingerprint]; !ok {
		builtin.AddedAt = s.clock()
		s.mu.Lock()
		err := s.commitAuthority(ctx, &builtin)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "trust store opened",
		"certificates", len(s.certs),
		"authorities", len(s.authorities),
	)
	return s, nil
}

// EnsureCertificate makes sure serverID has a certificate in force.
//
// A missing certificate is issued self-signed at TierUnverified. An expired
// one is demoted to TierUnverified and its validity window restarted. Both
// cases persist before returning; created reports the first case.
func (s *Store) EnsureCertificate(ctx context.Context, serverID string) (Certificate, bool, error) {
	id, err := NormalizeServerID(serverID)
	if err != nil {
		return Certificate{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	c, ok := s.certs[id]
	if !ok {
		fresh, err := newSelfSigned(id, now, s.validity, s.entropy)
		if err != nil {
			return Certificate{}, false, err
		}
		if err := s.commitCert(ctx, id, fresh); err != nil {
			return Certificate{}, false, err
		}
		s.logger.InfoContext(ctx, "issued self-signed certificate",
			"server_id", id,
			"fingerprint", fresh.Fingerprint,
		)
		s.notify(ctx, "issue")
		return *fresh, true, nil
	}

	if c.Expired(now) {
		next := *c
		next.Tier = TierUnverified
		next.VerifiedBy = ""
		next.SelfSigned = true
		next.Issuer = SelfIssuer
		next.IssuedAt = now
		next.ExpiresAt = now.Add(s.validity)
		if err := s.commitCert(ctx, id, &next); err != nil {
			return Certificate{}, false, err
		}
		s.logger.WarnContext(ctx, "certificate expired, demoted to unverified",
			"server_id", id,
			"previous_tier", c.Tier,
			"expired_at", c.ExpiresAt,
		)
		s.notify(ctx, "expire")
		return next, false, nil
	}

	return *c, false, nil
}

// TierOf returns the tier in force for serverID. It never mutates the store:
// an expired certificate reads as TierUnverified until EnsureCertificate
// rewrites it.
func (s *Store) TierOf(serverID string) (Tier, error) {
	id, err := NormalizeServerID(serverID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.EffectiveTier(s.clock()), nil
}

// GetTier ensures a certificate exists for serverID and returns its tier.
func (s *Store) GetTier(ctx context.Context, serverID string) (Tier, error) {
	if _, _, err := s.EnsureCertificate(ctx, serverID); err != nil {
		return "", err
	}
	return s.TierOf(serverID)
}

// Trust raises serverID to TierTrusted. The user's decision overrides any
// verification state.
func (s *Store) Trust(ctx context.Context, serverID string) (Certificate, error) {
	return s.mutate(ctx, serverID, "trust", func(c *Certificate, now time.Time) error {
		c.Tier = TierTrusted
		s.renewIfExpired(c, now)
		return nil
	})
}

// Untrust drops serverID to TierUnverified and strips any authority stamp,
// leaving a plain self-signed certificate.
func (s *Store) Untrust(ctx context.Context, serverID string) (Certificate, error) {
	return s.mutate(ctx, serverID, "untrust", func(c *Certificate, _ time.Time) error {
		c.Tier = TierUnverified
		c.VerifiedBy = ""
		c.Issuer = SelfIssuer
		c.SelfSigned = true
		return nil
	})
}

// Verify stamps serverID as verified by the registered authority with the
// given fingerprint.
func (s *Store) Verify(ctx context.Context, serverID, authorityFingerprint string) (Certificate, error) {
	return s.mutate(ctx, serverID, "verify", func(c *Certificate, now time.Time) error {
		a, ok := s.authorities[authorityFingerprint]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAuthority, authorityFingerprint)
		}
		c.Tier = TierVerified
		c.VerifiedBy = a.Fingerprint
		c.Issuer = a.Name
		c.SelfSigned = false
		s.renewIfExpired(c, now)
		return nil
	})
}

// Remove deletes the certificate of serverID. A later EnsureCertificate
// issues a fresh self-signed one.
func (s *Store) Remove(ctx context.Context, serverID string) (bool, error) {
	id, err := NormalizeServerID(serverID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certs[id]; !ok {
		return false, nil
	}
	if err := s.commitCert(ctx, id, nil); err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "certificate removed", "server_id", id)
	s.notify(ctx, "remove")
	return true, nil
}

// Get returns a copy of the certificate of serverID.
func (s *Store) Get(serverID string) (Certificate, error) {
	id, err := NormalizeServerID(serverID)
	if err != nil {
		return Certificate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return Certificate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *c, nil
}

// List returns all certificates ordered by server identity.
func (s *Store) List() []Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certSnapshot("", nil)
}

// AddAuthority registers a custom authority. Authorities are keyed by
// fingerprint and never replace an existing entry.
func (s *Store) AddAuthority(ctx context.Context, name, publicToken string) (Authority, error) {
	if name == "" {
		return Authority{}, fmt.Errorf("authority name is required")
	}
	fp, err := FingerprintToken(publicToken)
	if err != nil {
		return Authority{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.authorities[fp]; ok {
		return Authority{}, fmt.Errorf("%w: %s (%s)", ErrAuthorityExists, fp, existing.Name)
	}
	a := &Authority{
		Name:        name,
		PublicToken: publicToken,
		Fingerprint: fp,
		AddedAt:     s.clock(),
	}
	if err := s.commitAuthority(ctx, a); err != nil {
		return Authority{}, err
	}
	s.logger.InfoContext(ctx, "certificate authority added", "name", name, "fingerprint", fp)
	s.notify(ctx, "add_authority")
	return *a, nil
}

// Authority returns the registered authority with the given fingerprint.
func (s *Store) Authority(fingerprint string) (Authority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authorities[fingerprint]
	if !ok {
		return Authority{}, fmt.Errorf("%w: %s", ErrUnknownAuthority, fingerprint)
	}
	return *a, nil
}

// Authorities lists registered authorities, built-in ones first.
func (s *Store) Authorities() []Authority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authoritySnapshot(nil)
}

func (s *Store) mutate(ctx context.Context, serverID, op string, apply func(*Certificate, time.Time) error) (Certificate, error) {
	id, err := NormalizeServerID(serverID)
	if err != nil {
		return Certificate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return Certificate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := *c
	if err := apply(&next, s.clock()); err != nil {
		return Certificate{}, err
	}
	if err := s.commitCert(ctx, id, &next); err != nil {
		return Certificate{}, err
	}
	s.logger.InfoContext(ctx, "certificate updated",
		"op", op,
		"server_id", id,
		"tier", next.Tier,
	)
	s.notify(ctx, op)
	return next, nil
}

func (s *Store) renewIfExpired(c *Certificate, now time.Time) {
	if c.Expired(now) {
		c.IssuedAt = now
		c.ExpiresAt = now.Add(s.validity)
	}
}

// commitCert persists the certificate set with id replaced by next (or
// removed when next is nil), then applies the change in memory.
// Callers hold s.mu.
func (s *Store) commitCert(ctx context.Context, id string, next *Certificate) error {
	if err := s.persist.SaveCertificates(ctx, s.certSnapshot(id, next)); err != nil {
		return fmt.Errorf("persist certificates: %w", err)
	}
	if next == nil {
		delete(s.certs, id)
	} else {
		s.certs[id] = next
	}
	return nil
}

// Callers hold s.mu.
func (s *Store) commitAuthority(ctx context.Context, a *Authority) error {
	if err := s.persist.SaveAuthorities(ctx, s.authoritySnapshot(a)); err != nil {
		return fmt.Errorf("persist authorities: %w", err)
	}
	s.authorities[a.Fingerprint] = a
	return nil
}

func (s *Store) certSnapshot(replaceID string, replacement *Certificate) []Certificate {
	out := make([]Certificate, 0, len(s.certs)+1)
	for id, c := range s.certs {
		if replaceID != "" && id == replaceID {
			continue
		}
		out = append(out, *c)
	}
	if replacement != nil {
		out = append(out, *replacement)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (s *Store) authoritySnapshot(extra *Authority) []Authority {
	out := make([]Authority, 0, len(s.authorities)+1)
	for _, a := range s.authorities {
		out = append(out, *a)
	}
	if extra != nil {
		out = append(out, *extra)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BuiltIn != out[j].BuiltIn {
			return out[i].BuiltIn
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (s *Store) notify(ctx context.Context, op string) {
	if s.observe != nil {
		s.observe(ctx, op)
	}
}
