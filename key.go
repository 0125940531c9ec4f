package statsdaemon

import (
	"strings"
	"unicode"
)

// SanitizeKey normalizes a metric key:
// - runs of whitespace become a single "_"
// - "/" becomes "-"
// - anything that is not alphanumeric, "_", "." or "-" is removed
func SanitizeKey(key string) string {
	if isClean(key) {
		return key
	}
	var sb strings.Builder
	sb.Grow(len(key))
	inSpace := false
	for _, r := range key {
		if unicode.IsSpace(r) {
			if !inSpace {
				sb.WriteByte('_')
			}
			inSpace = true
			continue
		}
		inSpace = false
		switch {
		case r == '/':
			sb.WriteByte('-')
		case r < 0x80 && isKeyByte(byte(r)):
			sb.WriteByte(byte(r))
		}
	}
	return sb.String()
}

func isClean(key string) bool {
	for i := 0; i < len(key); i++ {
		if !isKeyByte(key[i]) {
			return false
		}
	}
	return true
}

func isKeyByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	case b == '_', b == '.', b == '-':
		return true
	}
	return false
}
