package vault

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/secure"
)

// MasterKey is one version of the key-encryption-key. The material is
// random and stored wrapped under the operator passphrase; at most one
// version has RetiredAt == nil.
type MasterKey struct {
	Version   int
	DerivedAt time.Time
	RetiredAt *time.Time
	Wrapped   []byte
}

// keychain holds the unwrapped master-key material for every version
// still needed to decrypt stored credentials. Material lives in
// memguard enclaves and is only exposed inside with() callbacks.
type keychain struct {
	passphrase *secure.KeyBuffer
	materials  map[int]*secure.KeyBuffer
	current    int
}

func newKeychain(passphrase []byte) *keychain {
	return &keychain{
		passphrase: secure.NewKeyBuffer(passphrase),
		materials:  map[int]*secure.KeyBuffer{},
	}
}

// unwrap decrypts a persisted master key's material and caches it.
func (k *keychain) unwrap(rec *MasterKey) error {
	err := k.passphrase.WithBytes(func(pass []byte) error {
		material, err := open(pass, rec.Wrapped)
		if err != nil {
			return err
		}
		k.materials[rec.Version] = secure.NewKeyBuffer(material)
		zero(material)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unwrap master key v%d: %w", rec.Version, err)
	}
	if rec.RetiredAt == nil {
		k.current = rec.Version
	}
	return nil
}

// mint generates fresh random material for a new master-key version,
// wraps it under the passphrase, and makes it current.
func (k *keychain) mint(version int, now time.Time) (*MasterKey, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, gkerrors.Encryption("generate master key", err)
	}
	defer zero(material)

	var wrapped []byte
	err := k.passphrase.WithBytes(func(pass []byte) error {
		var sealErr error
		wrapped, sealErr = seal(pass, material)
		return sealErr
	})
	if err != nil {
		return nil, err
	}

	k.materials[version] = secure.NewKeyBuffer(bytes.Clone(material))
	k.current = version

	return &MasterKey{Version: version, DerivedAt: now, Wrapped: wrapped}, nil
}

// with runs fn with the material for the given version.
func (k *keychain) with(version int, fn func(material []byte) error) error {
	buf, ok := k.materials[version]
	if !ok {
		return gkerrors.Encryption("load master key", fmt.Errorf("unknown master key version %d", version))
	}
	return buf.WithBytes(fn)
}

// drop destroys material for versions no stored credential references.
func (k *keychain) drop(version int) {
	if version == k.current {
		return
	}
	if buf, ok := k.materials[version]; ok {
		buf.Destroy()
		delete(k.materials, version)
	}
}

func (k *keychain) destroy() {
	for v, buf := range k.materials {
		buf.Destroy()
		delete(k.materials, v)
	}
	k.passphrase.Destroy()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
