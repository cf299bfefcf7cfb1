package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a provider message that failed validation. Malformed
// messages are counted and dropped, never fatal by themselves.
var ErrMalformed = errors.New("stream: malformed packet")

const (
	// fullPacketHeader is the feed code of a full tick packet.
	fullPacketHeader = 8
	// minPacketLen is the wire size of a full packet.
	minPacketLen = 62
)

// DecodeTick parses the provider's binary full packet: little-endian, header
// byte at 0, security id uint32 at 4, LTP float32 at 8, LTQ uint16 at 12,
// LTT epoch seconds uint32 at 14.
func DecodeTick(msg []byte) (Tick, error) {
	if len(msg) < minPacketLen {
		return Tick{}, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformed, len(msg), minPacketLen)
	}
	if msg[0] != fullPacketHeader {
		return Tick{}, fmt.Errorf("%w: header byte %d, want %d", ErrMalformed, msg[0], fullPacketHeader)
	}

	securityID := binary.LittleEndian.Uint32(msg[4:8])
	ltp := math.Float32frombits(binary.LittleEndian.Uint32(msg[8:12]))
	ltq := binary.LittleEndian.Uint16(msg[12:14])
	ltt := binary.LittleEndian.Uint32(msg[14:18])

	if securityID == 0 {
		return Tick{}, fmt.Errorf("%w: zero security id", ErrMalformed)
	}
	if ltp <= 0 || math.IsNaN(float64(ltp)) || math.IsInf(float64(ltp), 0) {
		return Tick{}, fmt.Errorf("%w: non-positive price", ErrMalformed)
	}
	if ltt == 0 {
		return Tick{}, fmt.Errorf("%w: zero trade time", ErrMalformed)
	}

	return Tick{
		SecurityID: strconv.FormatUint(uint64(securityID), 10),
		Price:      decimal.NewFromFloat32(ltp),
		Quantity:   int(ltq),
		At:         time.Unix(int64(ltt), 0).UTC(),
	}, nil
}
