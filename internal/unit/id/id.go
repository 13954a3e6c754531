// Package id provides unique identifier generation for generation units.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultPrefix is used when Generate is called with an empty prefix.
const DefaultPrefix = "unit"

// Generate creates a new unique identifier.
// Format: <prefix>-<timestamp>-<random>
// Example: scene-1701432000-a1b2c3d4e5f6
func Generate(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timestamp := time.Now().Unix()
	random := make([]byte, 6)
	if _, err := rand.Read(random); err != nil {
		// Fallback to nanosecond precision if crypto/rand fails
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, hex.EncodeToString(random))
}
