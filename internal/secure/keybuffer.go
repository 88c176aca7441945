package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a KeyBuffer is used after Destroy.
var ErrDestroyed = errors.New("secure: key buffer destroyed")

// KeyBuffer holds master-key bytes in a memguard enclave. The key is
// encrypted at rest in memory (XSalsa20Poly1305), mlocked where the
// platform allows it, and surrounded by guard pages. Plaintext only
// exists for the duration of a WithBytes callback.
type KeyBuffer struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy and prevents use after free
	destroyed bool
}

// NewKeyBuffer copies key into a protected memory region. The caller
// should zero its own copy after this returns.
func NewKeyBuffer(key []byte) *KeyBuffer {
	return &KeyBuffer{enclave: memguard.NewEnclave(key)}
}

// WithBytes decrypts the key into a locked buffer, invokes fn with the
// plaintext, and wipes the buffer before returning. The slice passed to
// fn is only valid inside the callback and must not be retained.
func (k *KeyBuffer) WithBytes(fn func(key []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.destroyed {
		return ErrDestroyed
	}

	locked, err := k.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Len reports the size of the protected key in bytes.
func (k *KeyBuffer) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.destroyed {
		return 0
	}
	return k.enclave.Size()
}

// Destroy marks the buffer unusable. The enclave ciphertext is left for
// the garbage collector; callers should memguard.Purge() at exit for a
// full sweep. Idempotent.
func (k *KeyBuffer) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.destroyed {
		return
	}
	k.enclave = nil
	k.destroyed = true
}
