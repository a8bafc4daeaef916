package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	pubFile  = "pub.hex"
	privFile = "priv.hex"
)

var ErrBadKey = errors.New("bad identity key")

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// GenKeypair returns a fresh ed25519 key pair. The private key is the
// 64-byte expanded form.
func GenKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return ErrBadKey
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(priv.Seed())), 0600)
}

// LoadKeypair reads the key pair written by SaveKeypair. A missing private
// key file yields an error satisfying os.IsNotExist; anything unreadable or
// inconsistent is ErrBadKey.
func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privHex, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadKey, privFile)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if pubHex, err := os.ReadFile(filepath.Join(dir, pubFile)); err == nil {
		stored, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
		if err != nil || !pub.Equal(ed25519.PublicKey(stored)) {
			return nil, nil, fmt.Errorf("%w: %s does not match %s", ErrBadKey, pubFile, privFile)
		}
	}
	return pub, priv, nil
}
