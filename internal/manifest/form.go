package manifest

import (
	"errors"
	"fmt"
)

const (
	// maxCodeBytes bounds a whole script.
	maxCodeBytes = 4 << 20
	// maxDepth bounds collection nesting inside the manifest map.
	maxDepth = 32
)

var errUnexpectedEOF = errors.New("unexpected end of input")

// leadingForm returns the source text of the map literal that opens code.
// It only tracks delimiters, strings, character literals and comments; the
// text is decoded afterwards. Nesting deeper than maxDepth is rejected
// before any decoding happens.
func leadingForm(code string) (string, error) {
	if len(code) > maxCodeBytes {
		return "", fmt.Errorf("script exceeds %d bytes", maxCodeBytes)
	}
	start := skipBlank(code, 0)
	if start >= len(code) {
		return "", errors.New("empty script")
	}
	if code[start] != '{' {
		return "", errors.New("script must start with a manifest map")
	}
	depth := 0
	for i := start; i < len(code); i++ {
		switch c := code[i]; c {
		case '"':
			end, err := skipString(code, i+1)
			if err != nil {
				return "", err
			}
			i = end
		case ';':
			for i < len(code) && code[i] != '\n' {
				i++
			}
		case '\\':
			i++
		case '{', '[', '(':
			depth++
			if depth > maxDepth {
				return "", fmt.Errorf("nesting deeper than %d at offset %d", maxDepth, i)
			}
		case '}', ']', ')':
			depth--
			if depth < 0 {
				return "", fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			if depth == 0 {
				return code[start : i+1], nil
			}
		}
	}
	return "", errUnexpectedEOF
}

func skipBlank(code string, i int) int {
	for i < len(code) {
		switch code[i] {
		case ' ', '\t', '\n', '\r', ',':
			i++
		case ';':
			for i < len(code) && code[i] != '\n' {
				i++
			}
		default:
			return i
		}
	}
	return i
}

// skipString returns the offset of the quote closing the string that starts
// at i.
func skipString(code string, i int) (int, error) {
	for ; i < len(code); i++ {
		switch code[i] {
		case '\\':
			i++
		case '"':
			return i, nil
		}
	}
	return 0, errUnexpectedEOF
}
