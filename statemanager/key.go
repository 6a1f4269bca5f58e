package statemanager

import "strconv"

// CanonicalKey derives the store key for a (source, destination) pair.
//
// The source is length-prefixed, so the encoding is injective for any two
// strings: no separator character inside either field can make two different
// pairs produce the same key.
func CanonicalKey(sourceURL, destinationPath string) string {
	b := make([]byte, 0, len(sourceURL)+len(destinationPath)+8)
	b = strconv.AppendInt(b, int64(len(sourceURL)), 10)
	b = append(b, ':')
	b = append(b, sourceURL...)
	b = append(b, '|')
	b = append(b, destinationPath...)
	return string(b)
}
