package parser

import "bytes"

var nonFiniteLiterals = [][]byte{
	[]byte("-Infinity"),
	[]byte("Infinity"),
	[]byte("NaN"),
}

// sanitizeNonFinite rewrites the bare NaN, Infinity and -Infinity literals some
// producers emit into JSON null. String contents are left untouched. It returns
// the input slice itself when nothing was replaced.
func sanitizeNonFinite(data []byte) ([]byte, int) {
	var (
		out      []byte
		replaced int
		inString bool
		escaped  bool
		last     int
	)

	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if c != 'N' && c != 'I' && c != '-' {
			continue
		}
		for _, lit := range nonFiniteLiterals {
			if bytes.HasPrefix(data[i:], lit) {
				out = append(out, data[last:i]...)
				out = append(out, "null"...)
				i += len(lit) - 1
				last = i + 1
				replaced++
				break
			}
		}
	}

	if replaced == 0 {
		return data, 0
	}
	return append(out, data[last:]...), replaced
}
