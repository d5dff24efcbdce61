package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/nacl/sign"
)

// KeySize is the size in bytes of all asymmetric public/private key halves
// and of symmetric blob keys.
const KeySize = 32

// NonceSize is the nacl box/secretbox nonce size.
const NonceSize = 24

var (
	ErrInvalidSignature = errors.New("crypt: invalid signature")
	ErrDecryptFailed    = errors.New("crypt: decryption failed")
)

// Pubkey is the public half of an identity: a box key for sealing
// per-recipient symmetric keys and a sign key for detached signatures.
// Every device, CLI user, and generated envkey carries one.
type Pubkey struct {
	BoxKey  Key `json:"boxKey"`
	SignKey Key `json:"signKey"`
}

// Privkey is the matching private half. It never leaves the client in
// production; the server only handles it in tests and key generation for
// server-side generated envkeys.
type Privkey struct {
	BoxKey  Key `json:"boxKey"`
	SignKey SignPrivateKey `json:"signKey"`
}

// Keypair bundles both halves as returned by Generate.
type Keypair struct {
	Pubkey  Pubkey
	Privkey Privkey
}

// Key is a fixed 32-byte key encoded as base64 in JSON.
type Key [KeySize]byte

// SignPrivateKey is the 64-byte nacl signing private key.
type SignPrivateKey [64]byte

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(k[:]))
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("crypt: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return nil
}

func (k SignPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(k[:]))
}

func (k *SignPrivateKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 64 {
		return fmt.Errorf("crypt: signing key must be 64 bytes, got %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

// Generate creates a fresh box + sign keypair.
func Generate() (Keypair, error) {
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate box keypair: %w", err)
	}
	signPub, signPriv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate sign keypair: %w", err)
	}
	kp := Keypair{}
	kp.Pubkey.BoxKey = Key(*boxPub)
	kp.Pubkey.SignKey = Key(*signPub)
	kp.Privkey.BoxKey = Key(*boxPriv)
	kp.Privkey.SignKey = SignPrivateKey(*signPriv)
	return kp, nil
}

// SignDetached returns a detached signature over msg.
func SignDetached(msg []byte, priv SignPrivateKey) []byte {
	k := [64]byte(priv)
	signed := sign.Sign(nil, msg, &k)
	// nacl prepends the signature to the message; the detached form is the
	// leading sign.Overhead bytes.
	sig := make([]byte, sign.Overhead)
	copy(sig, signed[:sign.Overhead])
	return sig
}

// VerifyDetached checks a detached signature over msg against the claimed
// public key. Returns ErrInvalidSignature on any mismatch.
func VerifyDetached(msg, sig []byte, pub Pubkey) error {
	if len(sig) != sign.Overhead {
		return ErrInvalidSignature
	}
	signed := make([]byte, len(sig)+len(msg))
	copy(signed, sig)
	copy(signed[len(sig):], msg)
	k := [KeySize]byte(pub.SignKey)
	if _, ok := sign.Open(nil, signed, &k); !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Sealed is ciphertext plus the nonce it was sealed under. Both wrapped
// symmetric keys (box) and shared blobs (secretbox) use this shape.
type Sealed struct {
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// SealBox encrypts msg for the recipient's box key, authenticated by the
// sender's private box key.
func SealBox(msg []byte, recipient Pubkey, sender Privkey) (Sealed, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	rk := [KeySize]byte(recipient.BoxKey)
	sk := [KeySize]byte(sender.BoxKey)
	out := box.Seal(nil, msg, &nonce, &rk, &sk)
	return Sealed{Nonce: nonce[:], Data: out}, nil
}

// OpenBox decrypts a Sealed produced by SealBox.
func OpenBox(sealed Sealed, sender Pubkey, recipient Privkey) ([]byte, error) {
	if len(sealed.Nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed.Nonce)
	sk := [KeySize]byte(sender.BoxKey)
	rk := [KeySize]byte(recipient.BoxKey)
	out, ok := box.Open(nil, sealed.Data, &nonce, &sk, &rk)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// SealSymmetric encrypts msg under a shared symmetric key.
func SealSymmetric(msg []byte, key Key) (Sealed, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	k := [KeySize]byte(key)
	out := secretbox.Seal(nil, msg, &nonce, &k)
	return Sealed{Nonce: nonce[:], Data: out}, nil
}

// OpenSymmetric decrypts a Sealed produced by SealSymmetric.
func OpenSymmetric(sealed Sealed, key Key) ([]byte, error) {
	if len(sealed.Nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed.Nonce)
	k := [KeySize]byte(key)
	out, ok := secretbox.Open(nil, sealed.Data, &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// Digest is a 32-byte BLAKE3 pubkey fingerprint. Trusted-root sets and
// trust-chain entries are keyed by digests, never by raw key material.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	if len(raw) != 32 {
		return Digest{}, fmt.Errorf("crypt: digest must be 32 bytes, got %d", len(raw))
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}
