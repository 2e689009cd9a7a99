package keys

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

// RotationResult reports which key a rotation touched and its new status.
type RotationResult struct {
	KID    string `json:"kid"`
	Status string `json:"status"` // "active" or "next"
}

// Set is the in-memory key set: exactly one active key, an optionally staged
// next key for dual-signing windows, and historical keys retained for
// verification only. All mutation is serialized on one mutex so a single
// rotation is in flight at a time.
type Set struct {
	store  Store
	logger *zap.Logger

	mu         sync.Mutex
	active     *Material
	next       *Material
	historical []*Material
	jwks       *jose.JSONWebKeySet
	generation uint64
}

func NewSet(store Store, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.L()
	}
	return &Set{store: store, logger: logger}
}

// Load replaces the in-memory set with the stored snapshot. A corrupt or
// missing keyset is fatal to callers; Bootstrap is the only sanctioned path
// for first boot.
func (s *Set) Load(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	active, err := decodeMaterial(snap.Active)
	if err != nil {
		return fmt.Errorf("decode active key: %w", err)
	}
	var next *Material
	if snap.Next != nil {
		if next, err = decodeMaterial(*snap.Next); err != nil {
			return fmt.Errorf("decode next key: %w", err)
		}
	}
	historical := make([]*Material, 0, len(snap.Historical))
	for _, h := range snap.Historical {
		m, err := decodeMaterial(h)
		if err != nil {
			return fmt.Errorf("decode historical key: %w", err)
		}
		historical = append(historical, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	s.next = next
	s.historical = historical
	s.invalidateLocked()
	s.logger.Info("keyset loaded",
		zap.String("active_kid", active.KID),
		zap.Bool("next_staged", next != nil),
		zap.Int("historical", len(historical)),
	)
	return nil
}

// Bootstrap generates and persists an initial keyset. Only valid when the
// store holds nothing yet. The snapshot is saved before the set commits, so a
// failed save leaves the set empty.
func (s *Set) Bootstrap(ctx context.Context) error {
	material, err := GenerateKeyPair("")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, buildSnapshot(material, nil, nil)); err != nil {
		return err
	}
	s.active = material
	s.next = nil
	s.historical = nil
	s.invalidateLocked()
	s.logger.Info("keyset bootstrapped", zap.String("active_kid", material.KID))
	return nil
}

// Save persists the current set through the configured backend.
func (s *Set) Save(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return s.store.Save(ctx, snap)
}

func (s *Set) snapshotLocked() *Snapshot {
	return buildSnapshot(s.active, s.next, s.historical)
}

func buildSnapshot(active, next *Material, historical []*Material) *Snapshot {
	snap := &Snapshot{Active: encodeMaterial(active)}
	if next != nil {
		n := encodeMaterial(next)
		snap.Next = &n
	}
	for _, h := range historical {
		snap.Historical = append(snap.Historical, encodeMaterial(h))
	}
	return snap
}

// Rotate stages a next key when none is staged, and promotes it immediately
// when activateNow is set. The staged-but-not-promoted path gives verification
// clients a window to pick up the incoming key before the cutover.
//
// The rotated snapshot is persisted before the in-memory set commits, and the
// save runs under the mutex: a failed save leaves signing state untouched, so
// the set never signs with a key the durable snapshot does not contain.
func (s *Set) Rotate(ctx context.Context, kid string, activateNow bool) (RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.next
	if staged == nil {
		material, err := GenerateKeyPair(kid)
		if err != nil {
			return RotationResult{}, err
		}
		staged = material
	}

	active, next, historical := s.active, staged, s.historical
	result := RotationResult{KID: staged.KID, Status: "next"}
	if activateNow {
		if s.active != nil {
			historical = append(append([]*Material{}, s.historical...), s.active)
		}
		active, next = staged, nil
		result.Status = "active"
	}

	if err := s.store.Save(ctx, buildSnapshot(active, next, historical)); err != nil {
		return RotationResult{}, err
	}

	s.active = active
	s.next = next
	s.historical = historical
	s.invalidateLocked()
	if result.Status == "active" {
		s.logger.Info("active signing key changed", zap.String("kid", active.KID))
	} else {
		s.logger.Info("next signing key staged", zap.String("kid", staged.KID))
	}
	return result, nil
}

// SigningMaterial returns the active key.
func (s *Set) SigningMaterial() *Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextMaterial returns the staged next key, or nil outside rotation windows.
func (s *Set) NextMaterial() *Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// VerificationKey resolves a kid across active, next and historical keys.
// Unknown kids resolve to nothing; callers must not fall back to trying every
// key, that would mask key-confusion bugs.
func (s *Set) VerificationKey(kid string) (ed25519.PublicKey, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.KID == kid {
		return s.active.Public, true
	}
	if s.next != nil && s.next.KID == kid {
		return s.next.Public, true
	}
	for _, h := range s.historical {
		if h.KID == kid && h.UsableForVerification(now) {
			return h.Public, true
		}
	}
	return nil, false
}

// JWKS materializes the public key document. The result is memoized: repeated
// calls without an intervening mutation return the identical object, which is
// what lets verification clients cache by generation. Historical keys are
// filtered by not_after as of the last mutation; a key lapsing between
// mutations stays published until the next one, but VerificationKey re-checks
// usability on every lookup so it is never accepted.
func (s *Set) JWKS() *jose.JSONWebKeySet {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jwks != nil {
		return s.jwks
	}
	set := &jose.JSONWebKeySet{}
	appendKey := func(m *Material) {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       m.Public,
			KeyID:     m.KID,
			Algorithm: string(jose.EdDSA),
			Use:       "sig",
		})
	}
	if s.active != nil {
		appendKey(s.active)
	}
	if s.next != nil {
		appendKey(s.next)
	}
	for _, h := range s.historical {
		if h.UsableForVerification(now) {
			appendKey(h)
		}
	}
	s.jwks = set
	return set
}

// Generation increments on every mutation; the JWKS endpoint derives its ETag
// from it.
func (s *Set) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Set) invalidateLocked() {
	s.jwks = nil
	s.generation++
}
