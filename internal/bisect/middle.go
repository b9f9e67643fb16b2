package bisect

import "strings"

// MiddleString returns a string that sorts between lower and upper, for
// bisecting string keyed domains such as uuid columns. It assumes lower < upper.
//
// It is a standalone helper: Bisect only searches numeric ranges, so string
// keys are narrowed by calling MiddleString directly from the caller's loop.
func MiddleString(lower, upper string) string {
	var result strings.Builder
	for i := 0; i < len(upper); i++ {
		u := upper[i]
		if i >= len(lower) {
			if u >= 32 {
				result.WriteByte(' ')
			}
			return result.String()
		}
		l := lower[i]
		if l == u {
			result.WriteByte(l)
			continue
		}
		if u-l == 1 {
			result.WriteByte(l)
			result.WriteByte('a')
			return result.String()
		}
		result.WriteByte(byte((int(u) + int(l)) / 2))
		return result.String()
	}
	return result.String()
}
