package collector

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"

	"trendlens/internal/core"
)

// envelopeCrypto seals and opens collector auth envelopes with
// AES-256-GCM. Envelopes are decrypted per use; plaintext credentials
// never live on the CollectorSource record.
type envelopeCrypto struct {
	key []byte
}

func newEnvelopeCrypto(hexKey string) (*envelopeCrypto, error) {
	if hexKey == "" {
		return nil, core.NewError(core.KindValidation, "collector.encryption_key is not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, core.NewError(core.KindValidation, "collector.encryption_key must be 32 hex-encoded bytes")
	}
	return &envelopeCrypto{key: key}, nil
}

// Seal encrypts an auth map as nonce || ciphertext.
func (c *envelopeCrypto) Seal(auth map[string]string) ([]byte, error) {
	if len(auth) == 0 {
		return nil, nil
	}
	plaintext, err := json.Marshal(auth)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "encoding auth envelope", err)
	}
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, core.WrapError(core.KindInternal, "generating nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts an envelope produced by Seal.
func (c *envelopeCrypto) Open(sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, core.NewError(core.KindValidation, "auth envelope too short")
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, core.WrapError(core.KindForbidden, "auth envelope does not decrypt", err)
	}
	var auth map[string]string
	if err := json.Unmarshal(plaintext, &auth); err != nil {
		return nil, core.WrapError(core.KindInternal, "decoding auth envelope", err)
	}
	return auth, nil
}

func (c *envelopeCrypto) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "initializing cipher", err)
	}
	return cipher.NewGCM(block)
}
