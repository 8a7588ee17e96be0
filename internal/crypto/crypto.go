// Package crypto is the glue to the RTMFP handshake collaborators: ephemeral
// Diffie-Hellman key agreement and the per-session packet cipher. The
// handshake state machine itself lives outside this library; the socket
// layer consumes only the interfaces defined here.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/hkdf"
)

var ErrBadPublicKey = errors.New("bad public key size")

// Ephemeral is a one-shot X25519 key pair used during session establishment.
type Ephemeral struct {
	priv x25519.Key
	pub  x25519.Key
	used bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := io.ReadFull(rand.Reader, e.priv[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&e.pub, &e.priv)
	return e, nil
}

func (e *Ephemeral) Public() []byte {
	out := make([]byte, x25519.Size)
	copy(out, e.pub[:])
	return out
}

// Shared computes the DH shared secret with the far public key and wipes the
// private key. An Ephemeral can only be consumed once.
func (e *Ephemeral) Shared(farPub []byte) ([]byte, error) {
	if e.used {
		return nil, errors.New("ephemeral already consumed")
	}
	if len(farPub) != x25519.Size {
		return nil, ErrBadPublicKey
	}
	var far, ss x25519.Key
	copy(far[:], farPub)
	if !x25519.Shared(&ss, &e.priv, &far) {
		return nil, errors.New("low order point")
	}
	e.used = true
	for i := range e.priv {
		e.priv[i] = 0
	}
	out := make([]byte, x25519.Size)
	copy(out, ss[:])
	return out, nil
}

// SessionKeys holds the two directional packet keys of a session.
type SessionKeys struct {
	EncryptKey []byte
	DecryptKey []byte
}

// DeriveSessionKeys expands the DH shared secret into the directional packet
// keys. Initiator and responder call it with initiator flipped, so each
// side's encrypt key is the other side's decrypt key.
func DeriveSessionKeys(shared, initNonce, respNonce []byte, initiator bool) (SessionKeys, error) {
	if len(shared) == 0 {
		return SessionKeys{}, errors.New("empty shared secret")
	}
	salt := make([]byte, 0, len(initNonce)+len(respNonce))
	salt = append(salt, initNonce...)
	salt = append(salt, respNonce...)
	r := hkdf.New(sha256.New, shared, salt, []byte("rtmfp session keys"))
	a := make([]byte, KeySize)
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(r, a); err != nil {
		return SessionKeys{}, err
	}
	if _, err := io.ReadFull(r, b); err != nil {
		return SessionKeys{}, err
	}
	if initiator {
		return SessionKeys{EncryptKey: a, DecryptKey: b}, nil
	}
	return SessionKeys{EncryptKey: b, DecryptKey: a}, nil
}
