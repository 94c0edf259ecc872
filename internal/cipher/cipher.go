// Package cipher implements C8: the symmetric authenticated-encryption
// primitive used to seal tool/LLM API keys at rest. The token format is
// normative — version(1) || timestamp_be(8) || iv(16) ||
// AES-128-CBC(PKCS7(plaintext)) || HMAC-SHA256(prefix), base64url encoded
// — because existing persisted tokens depend on the exact byte layout.
// There is no AES-CBC/HMAC-framed-token library anywhere in the reference
// corpus; this primitive is deliberately built on crypto/aes, crypto/cipher,
// and crypto/hmac directly, matching the reference codebase's own
// crypto/hmac+crypto/sha256 idiom for signed tokens (internal/canvas/token.go).
package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/haasonsaas/nexus/internal/engine"
)

const (
	version    byte = 0x80
	minTokenLen      = 1 + 8 + 16 + 16 + 32 // version + timestamp + iv + min ciphertext block + hmac
	ivSize           = 16
	hmacSize         = 32
	keySize          = 32
)

// Cipher seals and opens credential tokens with one 32-byte master key,
// split into a 16-byte signing half and a 16-byte encryption half.
type Cipher struct {
	signingKey    [16]byte
	encryptionKey [16]byte
}

// New builds a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, engine.New(engine.CipherError, "cipher", "master key must be exactly 32 bytes")
	}
	c := &Cipher{}
	copy(c.signingKey[:], key[:16])
	copy(c.encryptionKey[:], key[16:32])
	return c, nil
}

// DeriveMasterKey derives the AES/HMAC key material from a human-supplied
// seed: take the seed's first 32 bytes, right-pad with ASCII '0' if
// shorter. This exact rule is fixed because existing persisted tokens
// depend on it.
func DeriveMasterKey(seed string) ([]byte, error) {
	raw := []byte(seed)
	if len(raw) > keySize {
		raw = raw[:keySize]
	}
	padded := make([]byte, keySize)
	copy(padded, raw)
	for i := len(raw); i < keySize; i++ {
		padded[i] = '0'
	}
	encoded := base64.RawURLEncoding.EncodeToString(padded)
	// base64url-encoding the padded seed produces more than 32 characters;
	// only the raw padded bytes are used as AES/HMAC key material, and the
	// encoded form is not used further.
	_ = encoded
	return padded, nil
}

// NewFromSeed is the common construction path: derive the master key from
// a human-supplied seed, then build the Cipher.
func NewFromSeed(seed string) (*Cipher, error) {
	key, err := DeriveMasterKey(seed)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt seals plaintext into a base64url-encoded framed token. Two
// encryptions of the same plaintext MUST differ because the IV is
// cryptographically random per call (P1).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", engine.Wrap(engine.CipherError, "cipher", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	block, err := aes.NewCipher(c.encryptionKey[:])
	if err != nil {
		return "", engine.Wrap(engine.CipherError, "cipher", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	prefix := make([]byte, 0, 1+8+ivSize)
	prefix = append(prefix, version)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(time.Now().Unix()))
	prefix = append(prefix, ts...)
	prefix = append(prefix, iv...)

	payload := append(prefix, ciphertext...)

	mac := hmac.New(sha256.New, c.signingKey[:])
	mac.Write(payload)
	sig := mac.Sum(nil)

	token := append(payload, sig...)
	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt opens a framed token, verifying the HMAC in constant time before
// any decryption is attempted.
func (c *Cipher) Decrypt(token string) ([]byte, error) {
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, engine.New(engine.InvalidFormat, "cipher", "token is not valid base64")
	}
	if len(data) < minTokenLen {
		return nil, engine.New(engine.InvalidFormat, "cipher", "token too short")
	}
	if data[0] != version {
		return nil, engine.New(engine.InvalidVersion, "cipher", "unexpected token version")
	}

	payload, sig := data[:len(data)-hmacSize], data[len(data)-hmacSize:]

	mac := hmac.New(sha256.New, c.signingKey[:])
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return nil, engine.New(engine.HmacMismatch, "cipher", "hmac verification failed")
	}

	iv := payload[9 : 9+ivSize]
	ciphertext := payload[9+ivSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, engine.New(engine.BadPadding, "cipher", "ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(c.encryptionKey[:])
	if err != nil {
		return nil, engine.Wrap(engine.CipherError, "cipher", err)
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plaintext, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, engine.Wrap(engine.BadPadding, "cipher", err)
	}
	return plaintext, nil
}

// EncryptString / DecryptString are the string-oriented convenience forms
// used to seal/unseal API keys.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

func (c *Cipher) DecryptString(token string) (string, error) {
	b, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, engine.New(engine.BadPadding, "cipher", "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, engine.New(engine.BadPadding, "cipher", "invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, engine.New(engine.BadPadding, "cipher", "invalid pkcs7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
