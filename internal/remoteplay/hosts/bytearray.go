package hosts

import "strings"

const byteArrayPrefix = "@ByteArray("

// ParseByteArray decodes a Qt settings @ByteArray(...) value. Printable
// characters are taken literally; \xNN (one or two hex digits), \0, \\ and
// the C escapes \n \r \t \f \v \a \b are decoded. Unknown escapes keep the
// backslash. Values that are not byte arrays decode to nil.
func ParseByteArray(value string) []byte {
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	if !strings.HasPrefix(value, byteArrayPrefix) || !strings.HasSuffix(value, ")") {
		return nil
	}
	body := value[len(byteArrayPrefix) : len(value)-1]

	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			out = append(out, c)
			i++
			continue
		}

		next := body[i+1]
		switch {
		case next == 'x':
			j := i + 2
			var v byte
			for j < len(body) && j < i+4 && isHex(body[j]) {
				v = v<<4 | unhex(body[j])
				j++
			}
			if j == i+2 {
				// No digits: keep the backslash, reprocess 'x' as a literal.
				out = append(out, '\\')
				i++
				continue
			}
			out = append(out, v)
			i = j
		case next == '0':
			out = append(out, 0)
			i += 2
		case next == '\\':
			out = append(out, '\\')
			i += 2
		case strings.IndexByte("nrtfvab", next) >= 0:
			out = append(out, cEscapes[next])
			i += 2
		default:
			out = append(out, '\\')
			i++
		}
	}
	return out
}

var cEscapes = map[byte]byte{
	'n': '\n',
	'r': '\r',
	't': '\t',
	'f': '\f',
	'v': '\v',
	'a': '\a',
	'b': '\b',
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
