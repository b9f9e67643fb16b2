// Package util provides utility functions for CommandPipe.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateCallID generates an identifier for a remote command call with "call_" prefix.
func GenerateCallID() string {
	return GenerateRandomID("call_", 16)
}

// GenerateWorkerID generates an identifier for a queue worker process with "w_" prefix.
func GenerateWorkerID() string {
	return GenerateRandomID("w_", 12)
}
