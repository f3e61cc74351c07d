package hipaa

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// MinSecretLength is the minimum length of a configured token secret.
const MinSecretLength = 32

// Generation prefix format: "v{generation}:" prepended to ciphertext
const (
	generationPrefix    = "v"
	generationSeparator = ":"
)

// TokenCipher encrypts access and refresh tokens for storage by the caller.
// It is keyed by a process-wide secret and supports decrypting ciphertext
// produced by previous key generations. A TokenCipher is immutable after
// construction and safe for concurrent use.
type TokenCipher struct {
	current    *aeadCipher
	currentGen int
	previous   map[int]*aeadCipher
}

// NewTokenCipher creates a cipher whose current key is derived from secret.
// previous maps older generations to their secrets.
func NewTokenCipher(secret string, generation int, previous map[int]string) (*TokenCipher, error) {
	if generation < 1 {
		return nil, apperr.Configuration("token key generation must be >= 1, got %d", generation)
	}
	current, err := cipherForSecret(secret, generation)
	if err != nil {
		return nil, err
	}

	tc := &TokenCipher{
		current:    current,
		currentGen: generation,
		previous:   make(map[int]*aeadCipher, len(previous)),
	}
	for gen, s := range previous {
		if gen == generation {
			return nil, apperr.Configuration("previous key reuses current generation %d", gen)
		}
		c, err := cipherForSecret(s, gen)
		if err != nil {
			return nil, err
		}
		tc.previous[gen] = c
	}
	return tc, nil
}

func cipherForSecret(secret string, generation int) (*aeadCipher, error) {
	key, err := DeriveKey(secret, generation)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, fmt.Sprintf("key generation %d", generation))
	}
	c, err := newAEADCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, fmt.Sprintf("key generation %d", generation))
	}
	return c, nil
}

// Encrypt encrypts with the current key and prepends the generation prefix.
func (t *TokenCipher) Encrypt(plaintext string) (string, error) {
	sealed, err := t.current.seal([]byte(plaintext), generationAD(t.currentGen))
	if err != nil {
		return "", err
	}
	return generationPrefix + strconv.Itoa(t.currentGen) + generationSeparator + sealed, nil
}

// Decrypt detects the key generation and decrypts with the matching key.
// Any failure (unknown generation, tampering, wrong key) is a DecryptionError.
func (t *TokenCipher) Decrypt(ciphertext string) (string, error) {
	gen, data, err := parseGenerationCiphertext(ciphertext)
	if err != nil {
		return "", apperr.Decryption(err)
	}

	c := t.current
	if gen != t.currentGen {
		prev, ok := t.previous[gen]
		if !ok {
			return "", apperr.Decryption(fmt.Errorf("no key available for generation %d", gen))
		}
		c = prev
	}

	plaintext, err := c.open(data, generationAD(gen))
	if err != nil {
		return "", apperr.Decryption(err)
	}
	return string(plaintext), nil
}

// NeedsReEncryption reports whether ciphertext was produced by an older key.
func (t *TokenCipher) NeedsReEncryption(ciphertext string) bool {
	gen, _, err := parseGenerationCiphertext(ciphertext)
	if err != nil {
		return true
	}
	return gen != t.currentGen
}

// ReEncrypt decrypts with the old key and re-encrypts with the current key.
func (t *TokenCipher) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := t.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return t.Encrypt(plaintext)
}

// CurrentGeneration returns the generation used for new ciphertext.
func (t *TokenCipher) CurrentGeneration() int {
	return t.currentGen
}

// The generation is authenticated so a prefix cannot be swapped onto
// ciphertext from another generation.
func generationAD(gen int) []byte {
	return []byte(generationPrefix + strconv.Itoa(gen))
}

func parseGenerationCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, generationPrefix) {
		return 0, "", fmt.Errorf("no generation prefix")
	}

	idx := strings.Index(s, generationSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("no generation separator")
	}

	gen, err := strconv.Atoi(s[len(generationPrefix):idx])
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("invalid generation %q", s[len(generationPrefix):idx])
	}
	return gen, s[idx+len(generationSeparator):], nil
}
