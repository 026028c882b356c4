package infra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// LocalKeyWrapper はKMSが使えない環境向けのAES-GCMによる鍵ラッパー。
type LocalKeyWrapper struct {
	aead cipher.AEAD
}

// NewLocalKeyWrapper は16進表記の鍵からLocalKeyWrapperを生成する。
// 鍵が空の場合はプロセス限りの鍵を生成する。この場合、保存済み
// ライセンスは再起動後に復号できない。
func NewLocalKeyWrapper(hexKey string) (*LocalKeyWrapper, error) {
	var key []byte
	if hexKey == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating wrap key: %w", err)
		}
		slog.Warn("LOCAL_WRAP_KEY is not set, persisted licenses will not survive a restart")
	} else {
		var err error
		key, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decoding wrap key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("wrap key must be 32 bytes, got %d", len(key))
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing wrap cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing wrap aead: %w", err)
	}
	return &LocalKeyWrapper{aead: aead}, nil
}

// Encrypt は平文をAES-GCMで暗号化する。ノンスは暗号文の先頭に連結する。
func (w *LocalKeyWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return w.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt はAES-GCMで暗号文を復号する。
func (w *LocalKeyWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < w.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:w.aead.NonceSize()], ciphertext[w.aead.NonceSize():]
	plaintext, err := w.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping: %w", err)
	}
	return plaintext, nil
}
