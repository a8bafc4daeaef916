package message

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// AddressLen is the length of a normalized address in hex characters.
const AddressLen = 32

var ErrInvalidAddress = errors.New("invalid address")

type Message struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Content     string    `json:"content"`
	Title       string    `json:"title,omitempty"`
	Direction   Direction `json:"direction"`
	StampValid  bool      `json:"stamp_valid"`
}

// Peer returns the remote side of the message.
func (m Message) Peer() string {
	if m.Direction == Outbound {
		return m.Destination
	}
	return m.Source
}

func (m Message) ContentHash() string {
	sum := sha256.Sum256([]byte(m.Content))
	return hex.EncodeToString(sum[:])
}

// Key identifies a message for duplicate suppression.
type Key struct {
	Source    string
	Timestamp int64
	Hash      string
}

func (m Message) Key() Key {
	return Key{Source: m.Source, Timestamp: m.Timestamp.UnixNano(), Hash: m.ContentHash()}
}

// NormalizeAddress strips the decorations operators commonly paste around
// an address and lowercases it. It does not validate.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(":", "", " ", "", "<", "", ">", "").Replace(s)
	return strings.ToLower(s)
}

func IsAddress(s string) bool {
	if len(s) != AddressLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ParseAddress normalizes s and reports ErrInvalidAddress if the result is
// not a well-formed address.
func ParseAddress(s string) (string, error) {
	addr := NormalizeAddress(s)
	if !IsAddress(addr) {
		return "", ErrInvalidAddress
	}
	return addr, nil
}

func Short(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8]
}
