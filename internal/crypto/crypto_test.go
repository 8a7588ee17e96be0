package crypto

import (
	"bytes"
	"testing"
)

func TestEphemeralSharedSymmetric(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral a: %v", err)
	}
	b, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral b: %v", err)
	}
	sa, err := a.Shared(b.Public())
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	sb, err := b.Shared(a.Public())
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("shared secrets differ")
	}
	if _, err := a.Shared(b.Public()); err == nil {
		t.Fatalf("ephemeral reuse accepted")
	}
}

func TestEphemeralRejectsBadKey(t *testing.T) {
	e, _ := GenerateEphemeral()
	if _, err := e.Shared(make([]byte, 16)); err == nil {
		t.Fatalf("short public key accepted")
	}
}

func TestDeriveSessionKeysMirror(t *testing.T) {
	shared := bytes.Repeat([]byte{7}, 32)
	init, err := DeriveSessionKeys(shared, []byte("na"), []byte("nb"), true)
	if err != nil {
		t.Fatalf("initiator derive: %v", err)
	}
	resp, err := DeriveSessionKeys(shared, []byte("na"), []byte("nb"), false)
	if err != nil {
		t.Fatalf("responder derive: %v", err)
	}
	if !bytes.Equal(init.EncryptKey, resp.DecryptKey) || !bytes.Equal(init.DecryptKey, resp.EncryptKey) {
		t.Fatalf("directional keys not mirrored")
	}
	if bytes.Equal(init.EncryptKey, init.DecryptKey) {
		t.Fatalf("directions share a key")
	}
}

func TestAEADCipherRoundTrip(t *testing.T) {
	shared := bytes.Repeat([]byte{9}, 32)
	init, _ := DeriveSessionKeys(shared, []byte("a"), []byte("b"), true)
	resp, _ := DeriveSessionKeys(shared, []byte("a"), []byte("b"), false)
	sender, err := NewAEADCipher(init)
	if err != nil {
		t.Fatalf("sender cipher: %v", err)
	}
	receiver, err := NewAEADCipher(resp)
	if err != nil {
		t.Fatalf("receiver cipher: %v", err)
	}

	plain := []byte("group report payload")
	sealed, err := sender.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := receiver.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch")
	}

	sealed[len(sealed)-1] ^= 1
	if _, err := receiver.Open(sealed); err == nil {
		t.Fatalf("tampered packet accepted")
	}
	if _, err := receiver.Open([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short packet accepted")
	}
}

func TestPlainCipherPassthrough(t *testing.T) {
	var c PlainCipher
	in := []byte{1, 2, 3}
	out, err := c.Seal(in)
	if err != nil || !bytes.Equal(out, in) {
		t.Fatalf("seal passthrough broken")
	}
	out, err = c.Open(in)
	if err != nil || !bytes.Equal(out, in) {
		t.Fatalf("open passthrough broken")
	}
}
