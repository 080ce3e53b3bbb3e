package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks content stored as an envelope rather than as plain text.
const sealedPrefix = "enc:v1:"

var ErrMalformedEnvelope = errors.New("malformed sealed content")

// KeyCache memoizes unwrapped data keys. load runs at most once per key at a time.
type KeyCache interface {
	Get(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error)
}

// Sealer encrypts paste content with a fresh data key per paste. The data key is
// wrapped by the Adapter with the paste id as encryption context, and the id is also the
// AEAD additional data, so an envelope copied onto another record will not open.
type Sealer struct {
	adapter *Adapter
	cache   KeyCache
}

// NewSealer builds a sealer; cache may be nil.
func NewSealer(adapter *Adapter, cache KeyCache) *Sealer {
	return &Sealer{adapter: adapter, cache: cache}
}

func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}
func (s *Sealer) Seal(ctx context.Context, id, content string) (string, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return "", errors.Wrap(err, "generate dek")
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return "", errors.Wrap(err, "init aead")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(content)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(content), []byte(id))
	wrapped, err := s.adapter.EncryptWithContext(ctx, dek, EncryptionContext{"paste_id": id})
	if err != nil {
		return "", errors.Wrap(err, "wrap dek")
	}
	if len(wrapped) > 0xffff {
		return "", errors.New("wrapped dek too large")
	}
	buf := make([]byte, 2, 2+len(wrapped)+len(sealed))
	binary.BigEndian.PutUint16(buf, uint16(len(wrapped)))
	buf = append(buf, wrapped...)
	buf = append(buf, sealed...)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
func (s *Sealer) Open(ctx context.Context, id, stored string) (string, error) {
	if !IsSealed(stored) {
		return "", ErrMalformedEnvelope
	}
	raw, err := base64.RawURLEncoding.DecodeString(stored[len(sealedPrefix):])
	if err != nil || len(raw) < 2 {
		return "", ErrMalformedEnvelope
	}
	n := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+n+chacha20poly1305.NonceSizeX {
		return "", ErrMalformedEnvelope
	}
	wrapped, sealed := raw[2:2+n], raw[2+n:]
	dek, err := s.unwrap(ctx, id, wrapped)
	if err != nil {
		return "", err
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return "", errors.Wrap(err, "init aead")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(id))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}
func (s *Sealer) unwrap(ctx context.Context, id string, wrapped []byte) ([]byte, error) {
	load := func(ctx context.Context) ([]byte, error) {
		dek, err := s.adapter.DecryptWithContext(ctx, wrapped, EncryptionContext{"paste_id": id})
		if err != nil {
			return nil, errors.Wrap(err, "unwrap dek")
		}
		return dek, nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	h := sha256.Sum256(append([]byte(id+":"), wrapped...))
	return s.cache.Get(ctx, hex.EncodeToString(h[:]), load)
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
