package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Material holds one signing keypair and its lifecycle metadata. Material is
// immutable once created; rotation supersedes it, nothing mutates it in place.
type Material struct {
	KID       string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	CreatedAt time.Time
	NotBefore time.Time
	NotAfter  *time.Time
}

// UsableForVerification reports whether the key may still verify signatures.
func (m *Material) UsableForVerification(now time.Time) bool {
	return m.NotAfter == nil || now.Before(*m.NotAfter)
}

// GenerateKeyPair mints a fresh Ed25519 keypair. An empty kid gets a random
// "sk-" identifier.
func GenerateKeyPair(kid string) (*Material, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		kid = "sk-" + uuid.NewString()[:8]
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	now := time.Now().UTC()
	return &Material{
		KID:       kid,
		Private:   priv,
		Public:    pub,
		CreatedAt: now,
		NotBefore: now,
	}, nil
}

// Snapshot is the serialized form of a key set handed to a Store backend.
type Snapshot struct {
	Active     materialJSON   `json:"active"`
	Next       *materialJSON  `json:"next,omitempty"`
	Historical []materialJSON `json:"historical,omitempty"`
}

type materialJSON struct {
	KID        string     `json:"kid"`
	PrivateKey string     `json:"private_key"`
	CreatedAt  time.Time  `json:"created_at"`
	NotBefore  time.Time  `json:"not_before"`
	NotAfter   *time.Time `json:"not_after,omitempty"`
}

func encodeMaterial(m *Material) materialJSON {
	return materialJSON{
		KID:        m.KID,
		PrivateKey: base64.RawURLEncoding.EncodeToString(m.Private),
		CreatedAt:  m.CreatedAt,
		NotBefore:  m.NotBefore,
		NotAfter:   m.NotAfter,
	}
}

func decodeMaterial(j materialJSON) (*Material, error) {
	raw, err := base64.RawURLEncoding.DecodeString(j.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key for kid %q: %w", j.KID, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key for kid %q has invalid length %d", j.KID, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &Material{
		KID:       j.KID,
		Private:   priv,
		Public:    priv.Public().(ed25519.PublicKey),
		CreatedAt: j.CreatedAt,
		NotBefore: j.NotBefore,
		NotAfter:  j.NotAfter,
	}, nil
}

func (s *Snapshot) marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func unmarshalSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse keyset snapshot: %w", err)
	}
	if snap.Active.KID == "" || snap.Active.PrivateKey == "" {
		return nil, fmt.Errorf("keyset snapshot missing active key")
	}
	return &snap, nil
}
