package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wirtbot/pkg/model"
)

// Generator produces a fresh key pair. Implementations may block and may fail.
type Generator interface {
	Generate(ctx context.Context) (model.KeyPair, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context) (model.KeyPair, error)

func (f GeneratorFunc) Generate(ctx context.Context) (model.KeyPair, error) {
	return f(ctx)
}

// WireGuard generates Curve25519 pairs in wg(8) base64 form.
type WireGuard struct{}

func (WireGuard) Generate(ctx context.Context) (model.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return model.KeyPair{}, err
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("generate wireguard key: %w", err)
	}
	return model.KeyPair{Public: priv.PublicKey().String(), Private: priv.String()}, nil
}

// Signing generates ed25519 pairs used to sign pushes to the WirtBot.
type Signing struct{}

func (Signing) Generate(ctx context.Context) (model.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return model.KeyPair{}, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("generate signing key: %w", err)
	}
	return model.KeyPair{
		Public:  base64.StdEncoding.EncodeToString(pub),
		Private: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// SigningKey decodes the private half of a signing pair.
func SigningKey(kp model.KeyPair) (ed25519.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key: want %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

// VerifyingKey decodes a base64 ed25519 public key.
func VerifyingKey(public string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(public)
	if err != nil {
		return nil, fmt.Errorf("decode verifying key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verifying key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}
