package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"

	"meshchat/internal/crypto"
)

const addressLabel = "meshchat:address:v1"

// Node is the local identity. Address is what peers send to.
type Node struct {
	Address string
	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
}

// Load reads the identity stored in home, creating one on first run.
// An existing but unreadable identity is returned as an error; it is never
// silently replaced.
func Load(home string) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	return &Node{Address: DeriveAddress(pub), PubKey: pub, PrivKey: priv}, nil
}

// DeriveAddress truncates SHA3-256(label || pub) to 16 bytes.
func DeriveAddress(pub []byte) string {
	buf := make([]byte, 0, len(addressLabel)+len(pub))
	buf = append(buf, addressLabel...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	return hex.EncodeToString(sum[:16])
}

// Sign signs msg with the node key.
func (n *Node) Sign(msg []byte) []byte {
	return ed25519.Sign(n.PrivKey, msg)
}

// Verify checks a signature made by the owner of pub and that pub hashes
// to the claimed address.
func Verify(address string, pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || DeriveAddress(pub) != address {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
