package crypto

import (
	"context"
	"encoding/binary"
	"math/bits"
)

const stampPrefix = "meshchat:v1:stamp|"

// MaxStampBits bounds both required and generated stamp costs.
const MaxStampBits = 32

// StampWorkblock binds a stamp to one message so it cannot be replayed
// against another recipient or body.
func StampWorkblock(source, destination string, timestampNano int64, content string) []byte {
	buf := make([]byte, 0, len(stampPrefix)+len(source)+len(destination)+8+32)
	buf = append(buf, stampPrefix...)
	buf = append(buf, source...)
	buf = append(buf, '|')
	buf = append(buf, destination...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestampNano))
	buf = append(buf, ts[:]...)
	buf = append(buf, SHA3_256([]byte(content))...)
	return buf
}

// StampValue returns the number of leading zero bits of the stamp digest.
func StampValue(workblock []byte, nonce uint64) int {
	buf := make([]byte, 0, len(workblock)+8)
	buf = append(buf, workblock...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	digest := SHA3_256(buf)
	value := 0
	for _, b := range digest {
		if b != 0 {
			value += bits.LeadingZeros8(b)
			break
		}
		value += 8
	}
	return value
}

func StampCheck(workblock []byte, nonce uint64, want int) bool {
	if want <= 0 {
		return true
	}
	return StampValue(workblock, nonce) >= want
}

// StampSolve searches for a nonce worth at least want bits. The search
// checks ctx periodically so a large cost can be abandoned.
func StampSolve(ctx context.Context, workblock []byte, want int) (uint64, error) {
	if want <= 0 {
		return 0, nil
	}
	if want > MaxStampBits {
		want = MaxStampBits
	}
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		if nonce&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if StampValue(workblock, nonce) >= want {
			return nonce, nil
		}
	}
	return 0, context.DeadlineExceeded
}
