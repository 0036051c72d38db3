package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// Шифрование учётных данных площадок (AES-256-GCM).
//
// Секрет в конфигурации хранится как "enc:<base64(nonce|ciphertext|tag)>".
// Значения без префикса считаются открытыми и возвращаются как есть.

// SealedPrefix - префикс зашифрованного значения в конфигурации
const SealedPrefix = "enc:"

const keySize = 32

var (
	ErrInvalidKeyLength  = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
	ErrMissingKey        = errors.New("sealed secret requires an encryption key")
)

// ParseKey принимает ключ в одном из видов:
// 64 hex-символа, base64 от 32 байт или строка ровно из 32 байт
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*keySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	if len(s) == keySize {
		return []byte(s), nil
	}
	return nil, ErrInvalidKeyLength
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal шифрует секрет и возвращает значение с префиксом SealedPrefix
func Seal(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает значение, полученное от Seal (префикс необязателен)
func Open(sealed string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := gcm.NonceSize()
	if len(raw) < ns+gcm.Overhead() {
		return "", ErrInvalidCiphertext
	}

	plain, err := gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsSealed - значение зашифровано
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Resolve возвращает открытое значение секрета:
// зашифрованное расшифровывается ключом, открытое возвращается как есть
func Resolve(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	return Open(value, key)
}

// GenerateKey генерирует случайный ключ AES-256 в hex
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
