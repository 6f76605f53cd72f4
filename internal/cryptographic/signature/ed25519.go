package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"pair_sync/internal/cryptographic/kdf"
)

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Ed25519KeypairFromSecret deterministically derives a signing keypair from a
// configured secret, so credentials stay valid across restarts.
func Ed25519KeypairFromSecret(secret string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed, err := kdf.Derive([]byte(secret), "pair_sync/credential", "SigningKey", ed25519.SeedSize)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}
