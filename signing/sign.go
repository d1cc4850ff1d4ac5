package signing

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
)

var (
	ErrSigningFailed    = errors.New("couldn't sign")
	ErrSignatureInvalid = errors.New("signature is invalid")
	ErrInvalidPubkeyLen = errors.New("pubkey has invalid length")
)

// Signed represents signed T data.
// It provides read-only access to it.
type Signed[T any] interface {
	// Data retrieves the underlying data.
	// The received data is READ ONLY.
	Data() *T
	PubKey() []byte
	Signature() []byte
}

// signedData is a holder of data T which is
// guaranteed to be signed. It implements Signed[T].
type signedData[T any] struct {
	data      T
	pubkey    []byte
	signature []byte
}

func (d *signedData[T]) Data() *T {
	return &d.data
}

func (d *signedData[T]) PubKey() []byte {
	return d.pubkey
}

func (d *signedData[T]) Signature() []byte {
	return d.signature
}

type notHashed struct{}

func (notHashed) HashFunc() crypto.Hash { return crypto.Hash(0) }

// canonical serializes data to the byte form that gets signed.
// XDR encoding is deterministic, so both sides derive identical bytes.
func canonical[T any](data *T) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, data); err != nil {
		return nil, fmt.Errorf("serializing for signature: %w", err)
	}
	return buf.Bytes(), nil
}

// Sign signs data with the given signer.
func Sign[T any](data T, signer crypto.Signer, pubkey []byte) (Signed[T], error) {
	raw, err := canonical(&data)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(nil, raw, notHashed{})
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrSigningFailed, err)
	}
	return &signedData[T]{
		data:      data,
		pubkey:    pubkey,
		signature: signature,
	}, nil
}

// NewVerified constructs Signed[T] from received data, checking the
// signature against the claimed pubkey.
func NewVerified[T any](data T, signature, pubkey []byte) (Signed[T], error) {
	raw, err := canonical(&data)
	if err != nil {
		return nil, err
	}
	if l := len(pubkey); l != ed25519.PublicKeySize {
		return nil, ErrInvalidPubkeyLen
	}
	if !ed25519.Verify(pubkey, raw, signature) {
		return nil, ErrSignatureInvalid
	}

	return &signedData[T]{
		data:      data,
		pubkey:    pubkey,
		signature: signature,
	}, nil
}

// Envelope is the wire form of signed data: the data itself plus the
// hex-encoded signer identity and signature.
type Envelope[T any] struct {
	Data      T      `json:"data"`
	PubKey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// Seal signs data with key and wraps it for the wire.
func Seal[T any](data T, key Key) (*Envelope[T], error) {
	signed, err := Sign(data, key.signer(), key.PubKey())
	if err != nil {
		return nil, err
	}
	return &Envelope[T]{
		Data:      data,
		PubKey:    hex.EncodeToString(signed.PubKey()),
		Signature: hex.EncodeToString(signed.Signature()),
	}, nil
}

// Open verifies a received envelope and returns its signed contents.
func (e *Envelope[T]) Open() (Signed[T], error) {
	pubkey, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: pubkey not hex", ErrSignatureInvalid)
	}
	signature, err := hex.DecodeString(e.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature not hex", ErrSignatureInvalid)
	}
	return NewVerified(e.Data, signature, pubkey)
}
