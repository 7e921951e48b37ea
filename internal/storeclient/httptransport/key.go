package httptransport

import (
	"encoding/hex"
	"fmt"

	"dc-recover/internal/record"
)

func encodeKey(k record.Key) string {
	return hex.EncodeToString(k[:])
}

func decodeKey(s string) (record.Key, error) {
	var k record.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("httptransport: invalid key %q: %w", s, err)
	}
	if len(b) != record.KeySize {
		return k, fmt.Errorf("httptransport: key %q has %d bytes, want %d", s, len(b), record.KeySize)
	}
	copy(k[:], b)
	return k, nil
}
