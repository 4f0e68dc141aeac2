package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"

	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// identityFile is the on-disk encoding of a generated identity.
// x509.MarshalECPrivateKey can't be used here (it only recognizes the
// NIST P-curves, not identity.Curve's secp256k1), so the private
// scalar is stored raw hex and the public key/PeerId are rederived on
// load with ScalarBaseMult.
type identityFile struct {
	PrivateKeyHex string       `json:"private_key_hex"`
	Nonce         uint64       `json:"nonce"`
	PeerID        types.PeerId `json:"peer_id"`
}

func saveIdentity(path string, id *identity.Identity) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	return enc.Encode(identityFile{
		PrivateKeyHex: hex.EncodeToString(id.PrivateKey.D.Bytes()),
		Nonce:         id.Nonce,
		PeerID:        id.PeerID,
	})
}

func loadIdentity(path string) (*identity.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw identityFile
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, err
	}
	d, err := hex.DecodeString(raw.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = identity.Curve
	priv.D = new(big.Int).SetBytes(d)
	priv.PublicKey.X, priv.PublicKey.Y = identity.Curve.ScalarBaseMult(d)

	return &identity.Identity{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		Nonce:      raw.Nonce,
		PeerID:     raw.PeerID,
	}, nil
}
