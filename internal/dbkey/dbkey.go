// Package dbkey supplies the key the session database is sealed with and
// the cipher that seals individual values. The store never generates or
// persists the key itself.
package dbkey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// KeyLen is the length of every key this package hands out.
	KeyLen = 32

	hkdfInfo = "riotx-sdk session store v1"
)

// ErrDecrypt is returned when a sealed value fails authentication. Either
// the key is wrong or the value was tampered with.
var ErrDecrypt = errors.New("decrypting value failed")

// Provider supplies the database encryption key.
type Provider interface {
	Key(ctx context.Context) ([]byte, error)
}

// PassphraseProvider derives the key from an operator passphrase and the
// user ID the database belongs to. The derivation is memoized because
// scrypt is deliberately slow.
type PassphraseProvider struct {
	passphrase string
	userID     string

	mu  sync.Mutex
	key []byte
}

// NewPassphraseProvider returns a provider for the given user's database.
func NewPassphraseProvider(passphrase, userID string) *PassphraseProvider {
	return &PassphraseProvider{passphrase: passphrase, userID: userID}
}

// Key derives (once) and returns a copy of the database key.
func (p *PassphraseProvider) Key(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := DeriveKey(p.passphrase, p.userID)
		if err != nil {
			return nil, err
		}

		p.key = key
	}

	out := make([]byte, len(p.key))
	copy(out, p.key)

	return out, nil
}

// Forget zeroes the memoized key. Called on sign-out.
func (p *PassphraseProvider) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ZeroKey(p.key)
	p.key = nil
}

// DeriveKey derives a 32-byte key from passphrase and user ID. scrypt
// stretches the NFKC-normalized passphrase with a per-user salt, then
// HKDF-SHA256 binds the result to this store's purpose.
func DeriveKey(passphrase, userID string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("deriving key: empty passphrase")
	}

	passphrase = norm.NFKC.String(passphrase)
	salt := sha256.Sum256([]byte("riotx-sdk:" + norm.NFKC.String(userID)))

	ikm, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	defer ZeroKey(ikm)

	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt[:], []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("expanding key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher seals values with AES-256-GCM. Output format is
// [12-byte nonce][ciphertext+tag]. The additional data binds a value to
// the bucket and key it is stored under, so values cannot be swapped
// between records on disk.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("creating cipher: key must be %d bytes, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// NewCipherFrom fetches a key from the provider, builds a cipher, and
// zeroes the key copy.
func NewCipherFrom(ctx context.Context, p Provider) (*Cipher, error) {
	key, err := p.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching database key: %w", err)
	}
	defer ZeroKey(key)

	return NewCipher(key)
}

// Seal encrypts plaintext with a random nonce.
func (c *Cipher) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize(), c.gcm.NonceSize()+len(plaintext)+c.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.gcm.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts a value produced by Seal with the same additional data.
func (c *Cipher) Open(data, ad []byte) ([]byte, error) {
	ns := c.gcm.NonceSize()
	if len(data) < ns+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	plaintext, err := c.gcm.Open(nil, data[:ns], data[ns:], ad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
