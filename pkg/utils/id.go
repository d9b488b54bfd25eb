package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is short on purpose: codes are typed by hand from a
// screen across the room.
const RoomCodeLength = 4

// NewRoomCode generates a join code. The alphabet omits easily confused
// characters (0/O, 1/I).
func NewRoomCode() string {
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform is broken.
			code[i] = roomCodeAlphabet[0]
			continue
		}
		code[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(code)
}

// NewPeerID generates a unique routing id for a relay connection.
func NewPeerID() string {
	return "p-" + uuid.NewString()
}
