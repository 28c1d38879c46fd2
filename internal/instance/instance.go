package instance

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/talerforge/merchant/internal/signing"
)

// DefaultInstanceID is the instance used when a request carries no
// instance prefix.
const DefaultInstanceID = "default"

// ErrNotFound is returned when no instance matches the requested id.
var ErrNotFound = errors.New("instance: not found")

// WireMethod is one bank-account target of an instance. HWire is the
// salted hash of JWire that contracts commit to.
type WireMethod struct {
	Method string
	JWire  json.RawMessage
	HWire  signing.Hash
	Active bool
}

// Instance is one sub-merchant served by this backend. Read-only after
// load; handlers only borrow it.
type Instance struct {
	ID          string
	Pub         ed25519.PublicKey
	Priv        ed25519.PrivateKey
	WireMethods []WireMethod
}

// PubBase64 renders the instance public key in the JSON encoding used
// on the wire.
func (mi *Instance) PubBase64() string {
	return base64.RawURLEncoding.EncodeToString(mi.Pub)
}

// WireMethodByHash returns the active wire method whose HWire matches h.
func (mi *Instance) WireMethodByHash(h signing.Hash) (*WireMethod, bool) {
	for i := range mi.WireMethods {
		wm := &mi.WireMethods[i]
		if wm.Active && wm.HWire == h {
			return wm, true
		}
	}
	return nil, false
}

// Registry holds all configured instances, keyed by id.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers an instance. Existing entries with the same id are
// replaced.
func (r *Registry) Add(mi *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[mi.ID] = mi
}

// Lookup resolves an instance id; the empty string resolves the default
// instance.
func (r *Registry) Lookup(id string) (*Instance, error) {
	if id == "" {
		id = DefaultInstanceID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	mi, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return mi, nil
}

// HashWireDetails computes the salted hash over a wire-detail document
// that contracts commit to via h_wire.
func HashWireDetails(jWire json.RawMessage, salt string) (signing.Hash, error) {
	canonical, err := signing.HashContractTerms(jWire)
	if err != nil {
		return signing.Hash{}, fmt.Errorf("instance: hash wire details: %w", err)
	}
	h := sha512.New()
	h.Write(canonical[:])
	h.Write([]byte(salt))
	var out signing.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
