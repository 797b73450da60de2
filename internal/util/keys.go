package util

import (
	"crypto/sha256"
	"fmt"
)

// MaxKeyLen bounds storage keys so every provider can hold them (bbolt caps keys at 32KiB).
const MaxKeyLen = 512

// StorageKey joins prefix, generation and key. Keys longer than MaxKeyLen are
// replaced by a short digest so the generation prefix stays scannable.
func StorageKey(prefix, generation, key string) string {
	head := prefix + ":" + generation + ":"
	if len(head)+len(key) <= MaxKeyLen {
		return head + key
	}
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s#%x", head, sum[:16])
}

// GenerationPrefix returns the prefix shared by every storage key of a generation.
func GenerationPrefix(prefix, generation string) string {
	return prefix + ":" + generation + ":"
}
