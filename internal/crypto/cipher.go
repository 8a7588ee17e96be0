package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a directional packet key.
const KeySize = chacha20poly1305.KeySize

// PacketCipher seals outbound datagrams and opens inbound ones. The socket
// layer holds one per connection; implementations must be safe for use from
// the dispatch goroutine only.
type PacketCipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PlainCipher passes datagrams through untouched. It carries bootstrap
// handshake traffic, which runs before any key agreement.
type PlainCipher struct{}

func (PlainCipher) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (PlainCipher) Open(sealed []byte) ([]byte, error) { return sealed, nil }

// AEADCipher is the established-session cipher: ChaCha20-Poly1305 with a
// random nonce prefix per datagram. UDP reordering rules out counter nonces.
type AEADCipher struct {
	seal cipherState
	open cipherState
}

type cipherState struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func NewAEADCipher(keys SessionKeys) (*AEADCipher, error) {
	if len(keys.EncryptKey) != KeySize || len(keys.DecryptKey) != KeySize {
		return nil, errors.New("bad session key size")
	}
	sealAEAD, err := chacha20poly1305.New(keys.EncryptKey)
	if err != nil {
		return nil, err
	}
	openAEAD, err := chacha20poly1305.New(keys.DecryptKey)
	if err != nil {
		return nil, err
	}
	return &AEADCipher{seal: cipherState{aead: sealAEAD}, open: cipherState{aead: openAEAD}}, nil
}

func (c *AEADCipher) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return c.seal.aead.Seal(out, nonce, plain, nil), nil
}

func (c *AEADCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("sealed packet too short")
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	return c.open.aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSize:], nil)
}
