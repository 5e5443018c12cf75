package validation

import "math/bits"

// HammingDistance counts the differing bits between two hex hashes,
// nibble by nibble. Hashes of different length, or containing non-hex
// characters, are not comparable and report ok=false.
func HammingDistance(a, b string) (distance int, ok bool) {
	if len(a) != len(b) {
		return 0, false
	}
	for i := 0; i < len(a); i++ {
		x, okA := hexNibble(a[i])
		y, okB := hexNibble(b[i])
		if !okA || !okB {
			return 0, false
		}
		distance += bits.OnesCount8(x ^ y)
	}
	return distance, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Match is the closest accepted hash found by FindDuplicate.
type Match struct {
	Hash     string `json:"hash"`
	Distance int    `json:"distance"`
}

// FindDuplicate scans accepted for the hash closest to hash and reports
// whether it is within threshold. The scan is linear in len(accepted).
func FindDuplicate(hash string, accepted []string, threshold int) (Match, bool) {
	best := Match{Distance: -1}
	for _, h := range accepted {
		d, ok := HammingDistance(hash, h)
		if !ok {
			continue
		}
		if best.Distance < 0 || d < best.Distance {
			best = Match{Hash: h, Distance: d}
			if d == 0 {
				break
			}
		}
	}
	return best, best.Distance >= 0 && best.Distance <= threshold
}
