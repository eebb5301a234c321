package vault

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const resolveTimestamp = "20060102150405"

// Resolve picks a collision-free file name for a new arrival. If base is not
// taken it is returned unchanged; otherwise a compact timestamp suffix is
// appended to the stem, then an incrementing counter for same-second
// collisions. Resolution is a pure decision over the taken predicate; the
// caller performs the actual move.
func Resolve(base string, taken func(name string) bool, now time.Time) string {
	if !taken(base) {
		return base
	}
	stem := Stem(base)
	ext := filepath.Ext(base)
	ts := now.Format(resolveTimestamp)
	candidate := fmt.Sprintf("%s_%s%s", stem, ts, ext)
	if !taken(candidate) {
		return candidate
	}
	// Same stem within the same second: a monotonic counter breaks the tie.
	for i := 2; ; i++ {
		candidate = fmt.Sprintf("%s_%s_%d%s", stem, ts, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Identity derives the durable task key from a resolved file name. The key
// is assigned once at detection and survives archive moves.
func Identity(resolvedName string) string {
	return Stem(resolvedName)
}
