package encryption

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// versionMagic marks a ciphertext produced by RotatingEncryptor. The layout
// is magic(1) | version(2, big endian) | inner ciphertext.
const versionMagic byte = 0xA7

// RotatingEncryptor encrypts with the current key version and can still
// decrypt data sealed under any registered previous version.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    Encryptor
	currentVer uint16
	previous   map[uint16]Encryptor
}

func NewRotatingEncryptor(current Encryptor, version uint16) *RotatingEncryptor {
	return &RotatingEncryptor{
		current:    current,
		currentVer: version,
		previous:   make(map[uint16]Encryptor),
	}
}

// AddPrevious registers an older key for decryption only.
func (r *RotatingEncryptor) AddPrevious(enc Encryptor, version uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
}

// Rotate makes enc the current key. The old current key stays available for
// decryption.
func (r *RotatingEncryptor) Rotate(enc Encryptor, version uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version == r.currentVer {
		return fmt.Errorf("rotate: version %d is already current", version)
	}
	r.previous[r.currentVer] = r.current
	r.current = enc
	r.currentVer = version
	return nil
}

func (r *RotatingEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	enc, ver := r.current, r.currentVer
	r.mu.RUnlock()

	inner, err := enc.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 3, 3+len(inner))
	out[0] = versionMagic
	binary.BigEndian.PutUint16(out[1:3], ver)
	return append(out, inner...), nil
}

func (r *RotatingEncryptor) Decrypt(data []byte) ([]byte, error) {
	ver, inner, ok := parseVersioned(data)
	if !ok {
		return nil, fmt.Errorf("decrypt: missing key version header")
	}

	r.mu.RLock()
	enc := r.current
	if ver != r.currentVer {
		enc = r.previous[ver]
	}
	r.mu.RUnlock()

	if enc == nil {
		return nil, fmt.Errorf("decrypt: no key available for version %d", ver)
	}
	return enc.Decrypt(inner)
}

// NeedsReEncryption reports whether data was sealed under an older key.
func (r *RotatingEncryptor) NeedsReEncryption(data []byte) bool {
	ver, _, ok := parseVersioned(data)
	if !ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ver != r.currentVer
}

// ReEncrypt opens data with whichever key sealed it and seals it again with
// the current key.
func (r *RotatingEncryptor) ReEncrypt(data []byte) ([]byte, error) {
	plaintext, err := r.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

func (r *RotatingEncryptor) CurrentVersion() uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersioned(data []byte) (uint16, []byte, bool) {
	if len(data) < 3 || data[0] != versionMagic {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(data[1:3]), data[3:], true
}
