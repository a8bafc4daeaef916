package quicnet

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"meshchat/internal/node"
)

const MaxFrameSize = 256 << 10

const (
	frameAnnounce = "announce"
	frameMessage  = "message"
	frameAck      = "ack"
)

var errFrameSize = errors.New("invalid frame size")

// frame is the single JSON document carried on a stream. Which fields are
// set depends on Type.
type frame struct {
	Type string `json:"type"`

	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Content     string `json:"content,omitempty"`
	Title       string `json:"title,omitempty"`
	Timestamp   int64  `json:"ts,omitempty"`
	Stamped     bool   `json:"stamped,omitempty"`
	StampNonce  uint64 `json:"stamp_nonce,omitempty"`

	Announce *announceBody `json:"announce,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// announceBody is signed by the announcing node so the name and cost are
// bound to its key.
type announceBody struct {
	Address     string `json:"address"`
	PubKey      string `json:"pub"`
	DisplayName string `json:"name,omitempty"`
	StampCost   int    `json:"stamp_cost,omitempty"`
	// Port is where the node listens; the host is taken from the
	// connection it arrived on.
	Port      int    `json:"port,omitempty"`
	Timestamp int64  `json:"ts"`
	Sig       string `json:"sig,omitempty"`
}

func (a announceBody) signingBytes() []byte {
	return []byte("meshchat:announce:v1|" + a.Address + "|" + a.PubKey + "|" + a.DisplayName + "|" +
		strconv.Itoa(a.StampCost) + "|" + strconv.Itoa(a.Port) + "|" + strconv.FormatInt(a.Timestamp, 10))
}

func signAnnounce(self *node.Node, a announceBody) announceBody {
	a.Address = self.Address
	a.PubKey = hex.EncodeToString(self.PubKey)
	a.Sig = hex.EncodeToString(self.Sign(a.signingBytes()))
	return a
}

func (a announceBody) verify() error {
	pub, err := hex.DecodeString(a.PubKey)
	if err != nil {
		return fmt.Errorf("announce key: %w", err)
	}
	sig, err := hex.DecodeString(a.Sig)
	if err != nil {
		return fmt.Errorf("announce signature: %w", err)
	}
	if !node.Verify(a.Address, pub, a.signingBytes(), sig) {
		return errors.New("announce signature does not verify")
	}
	return nil
}

func writeFrame(w io.Writer, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return errFrameSize
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	_, err = w.Write(out)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return frame{}, errFrameSize
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}
