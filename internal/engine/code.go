package engine

import "math/rand"

// codeAlphabet excludes visually confusable characters (0/O, 1/I) so codes
// survive being read aloud or copied off a projector.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

func newJoinCode(rnd *rand.Rand) string {
	buf := make([]byte, codeLength)
	for i := range buf {
		buf[i] = codeAlphabet[rnd.Intn(len(codeAlphabet))]
	}
	return string(buf)
}
