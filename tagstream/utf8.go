package tagstream

import "unicode/utf8"

// incompleteSuffix returns how many trailing bytes of s begin a multi-byte
// UTF-8 sequence that has not been completed yet.
func incompleteSuffix(s string) int {
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		b := s[len(s)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if b < utf8.RuneSelf || utf8.FullRuneInString(s[len(s)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// joinPartial prepends the carried bytes to token and splits off any new
// incomplete tail, which is returned to be carried into the next call.
func joinPartial(carry []byte, token string) (text string, rest []byte) {
	if len(carry) > 0 {
		token = string(carry) + token
	}
	rest = carry[:0]
	if n := incompleteSuffix(token); n > 0 {
		rest = append(rest, token[len(token)-n:]...)
		token = token[:len(token)-n]
	}
	return token, rest
}
