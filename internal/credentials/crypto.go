package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// Tokens are stored AES-256-GCM encrypted. The key is derived from
// CREDENTIAL_ENC_KEY so deployments can use any sufficiently long secret
// without worrying about exact key sizing.

// KeyFromEnv derives the 32-byte encryption key from CREDENTIAL_ENC_KEY.
func KeyFromEnv() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv("CREDENTIAL_ENC_KEY"))
	if secret == "" {
		return nil, fmt.Errorf("CREDENTIAL_ENC_KEY is required")
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

func encryptToken(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decryptToken(key []byte, encoded string) (string, error) {
	if strings.TrimSpace(encoded) == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid_token_ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("invalid_token_ciphertext: short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("invalid_token_ciphertext: %w", err)
	}
	return string(plain), nil
}
