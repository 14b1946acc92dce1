package probe

import (
	"math/rand/v2"
	"strings"
)

const payloadAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Payload returns n pseudo-random printable bytes. The content only has
// to defeat compression on the path; it is not a secret.
func Payload(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(payloadAlphabet[rand.IntN(len(payloadAlphabet))])
	}
	return sb.String()
}
