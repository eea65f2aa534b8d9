package memory

// Tail returns a copy of the most recent n turns. A non-positive n yields an
// empty slice.
func Tail(turns []Turn, n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// TruncateChars cuts s to at most n characters (runes).
func TruncateChars(s string, n int) string {
	if n < 0 {
		n = 0
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
