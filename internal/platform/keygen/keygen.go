// Package keygen mints the short identifiers and capability tokens of rooms
// and users.
package keygen

import "crypto/rand"

// Alphabet omits glyphs that are easy to confuse when read aloud or typed
// (0/O, 1/I/L).
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	RoomIDLength  = 6
	HostKeyLength = 8
	UserKeyLength = 8
	UserIDLength  = 6
)

// Generator produces identifiers. Stores depend on this interface so tests can
// supply deterministic keys.
type Generator interface {
	RoomID() string
	HostKey() string
	UserKey() string
	UserID() string
}

// Random draws every character from crypto/rand.
type Random struct{}

func (Random) RoomID() string  { return Generate(RoomIDLength) }
func (Random) HostKey() string { return Generate(HostKeyLength) }
func (Random) UserKey() string { return Generate(UserKeyLength) }
func (Random) UserID() string  { return Generate(UserIDLength) }

// Generate returns n characters of Alphabet. Bytes that would bias the modulo
// are rejected and redrawn.
func Generate(n int) string {
	const limit = 256 - 256%len(Alphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
