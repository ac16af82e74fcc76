package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the cache key for a (kind, target) pair. Targets are
// compared after whitespace collapsing only, so two commands that differ in
// any argument get different fingerprints.
func Fingerprint(kind ActionKind, target string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(target), " ")))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintAction is Fingerprint(a.Kind, a.Target).
func FingerprintAction(a Action) string {
	return Fingerprint(a.Kind, a.Target)
}
