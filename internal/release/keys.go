package release

import (
	"encoding/base64"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ServerKeys holds the Router's WireGuard keypair. PrivateKey is what gets
// written into the server Secret; PublicKey is published to Network.status.
type ServerKeys struct {
	PrivateKey wgtypes.Key
	PublicKey  wgtypes.Key
}

// GenerateServerKeys creates a fresh WireGuard keypair.
func GenerateServerKeys() (ServerKeys, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return ServerKeys{}, fmt.Errorf("generate server private key: %w", err)
	}
	return ServerKeys{PrivateKey: priv, PublicKey: priv.PublicKey()}, nil
}

// ServerKeysFromPrivate derives the public half of an existing private key,
// as read back from a Secret.
func ServerKeysFromPrivate(priv wgtypes.Key) ServerKeys {
	return ServerKeys{PrivateKey: priv, PublicKey: priv.PublicKey()}
}

// ParsePrivateKey decodes a base64 WireGuard private key, the format it is
// stored in inside the server Secret.
func ParsePrivateKey(b64 string) (wgtypes.Key, error) {
	key, err := wgtypes.ParseKey(b64)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// DecodeBase64Key decodes a standard-base64 32-byte key, the form peer and
// preshared keys take in Tunnel specs (the same text form wgtypes.ParseKey
// accepts).
func DecodeBase64Key(b64 string) (wgtypes.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("decode base64 key: %w", err)
	}
	var key wgtypes.Key
	if len(raw) != len(key) {
		return wgtypes.Key{}, fmt.Errorf("decode base64 key: expected %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
