// Package multibase implements self-describing base-N encoding of binary
// data. The first character of an encoded string names the alphabet used to
// decode the remainder.
package multibase

import (
	"fmt"
	"strings"
)

// Base identifies a supported multibase alphabet.
type Base byte

const (
	// Base58BTC is the Bitcoin base58 alphabet, prefix 'z'.
	Base58BTC Base = 'z'
	// Base64URL is the URL-safe base64 alphabet without padding, prefix 'u'.
	Base64URL Base = 'u'
)

const (
	base58Alphabet    = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// ErrUnsupportedBase is returned when an encoded string carries an unknown
// multibase prefix.
var ErrUnsupportedBase = fmt.Errorf("unsupported multibase prefix")

func alphabetFor(base Base) (string, error) {
	switch base {
	case Base58BTC:
		return base58Alphabet, nil
	case Base64URL:
		return base64URLAlphabet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBase, string(base))
	}
}

// Encode encodes data into a multibase string with the prefix of the given
// base. Leading zero bytes are preserved as repeated first-alphabet
// characters.
func Encode(base Base, data []byte) (string, error) {
	alphabet, err := alphabetFor(base)
	if err != nil {
		return "", err
	}

	return string(base) + encodeBaseN(data, alphabet), nil
}

// Decode decodes a multibase string produced by Encode. It returns the base
// named by the prefix and the original byte sequence.
func Decode(encoded string) (Base, []byte, error) {
	if encoded == "" {
		return 0, nil, fmt.Errorf("multibase string is empty")
	}

	base := Base(encoded[0])
	alphabet, err := alphabetFor(base)
	if err != nil {
		return 0, nil, err
	}

	decoded, err := decodeBaseN(encoded[1:], alphabet)
	if err != nil {
		return 0, nil, err
	}

	return base, decoded, nil
}

// encodeBaseN performs big-integer base conversion via repeated-carry
// expansion, without a native bignum dependency.
func encodeBaseN(data []byte, alphabet string) string {
	radix := len(alphabet)

	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}

	// digits holds the base-N representation, least significant first.
	digits := make([]int, 0, len(data)*2)
	for _, b := range data[zeros:] {
		carry := int(b)
		for i := 0; i < len(digits); i++ {
			carry += digits[i] << 8
			digits[i] = carry % radix
			carry /= radix
		}
		for carry > 0 {
			digits = append(digits, carry%radix)
			carry /= radix
		}
	}

	var sb strings.Builder
	sb.Grow(zeros + len(digits))
	for i := 0; i < zeros; i++ {
		sb.WriteByte(alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(alphabet[digits[i]])
	}

	return sb.String()
}

// decodeBaseN is the exact inverse of encodeBaseN.
func decodeBaseN(encoded string, alphabet string) ([]byte, error) {
	radix := len(alphabet)

	index := make(map[byte]int, radix)
	for i := 0; i < radix; i++ {
		index[alphabet[i]] = i
	}

	zeros := 0
	for zeros < len(encoded) && encoded[zeros] == alphabet[0] {
		zeros++
	}

	// bytes holds the base-256 representation, least significant first.
	bytes := make([]int, 0, len(encoded))
	for i := zeros; i < len(encoded); i++ {
		digit, ok := index[encoded[i]]
		if !ok {
			return nil, fmt.Errorf("invalid character %q in encoded string", string(encoded[i]))
		}

		carry := digit
		for j := 0; j < len(bytes); j++ {
			carry += bytes[j] * radix
			bytes[j] = carry & 0xff
			carry >>= 8
		}
		for carry > 0 {
			bytes = append(bytes, carry&0xff)
			carry >>= 8
		}
	}

	out := make([]byte, zeros+len(bytes))
	for i, b := range bytes {
		out[zeros+len(bytes)-1-i] = byte(b)
	}

	return out, nil
}
