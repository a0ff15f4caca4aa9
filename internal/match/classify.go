package match

import (
	"fmt"
	"math"
)

// Verdict is the classification outcome for one face.
type Verdict string

const (
	VerdictUnknown         Verdict = "unknown"
	VerdictUncertainName   Verdict = "uncertain_name"
	VerdictUncertainIgnore Verdict = "uncertain_ign"
	VerdictName            Verdict = "name"
	VerdictIgnore          Verdict = "ign"
)

// Confidence converts a distance to a percentage. Negative values are
// clamped to zero.
func Confidence(dist float64) int {
	c := int(math.Round((1 - dist) * 100))
	if c < 0 {
		return 0
	}
	return c
}

// Classify turns a match result into a verdict. The rules are evaluated in
// this exact order; the uncertain rule must run before the confident ones or
// near-ties would be misreported as confident matches. All threshold
// comparisons are strict: a distance exactly at a threshold does not clear
// it.
func Classify(res Result, t Thresholds, margin, minConfidence float64) Verdict {
	nameConf := -1.0
	if res.HasName {
		nameConf = float64(Confidence(res.NameDist)) / 100
	}
	ignConf := -1.0
	if res.HasIgnore {
		ignConf = float64(Confidence(res.IgnoreDist)) / 100
	}

	// Both candidates exist but neither is confident enough to show.
	if res.HasName && nameConf < minConfidence && res.HasIgnore && ignConf < minConfidence {
		return VerdictUnknown
	}

	// Too close to call between a name and an ignore.
	if res.HasName && res.NameDist < t.Match &&
		res.HasIgnore && res.IgnoreDist < t.Ignore &&
		math.Abs(res.NameDist-res.IgnoreDist) < margin {
		if res.NameDist < res.IgnoreDist {
			return VerdictUncertainName
		}
		return VerdictUncertainIgnore
	}

	// Name wins outright.
	if res.HasName && res.NameDist < t.Match &&
		(!res.HasIgnore || res.NameDist < res.IgnoreDist-margin) {
		return VerdictName
	}

	// Ignore wins outright.
	if res.HasIgnore && res.IgnoreDist < t.Ignore &&
		(!res.HasName || res.IgnoreDist < res.NameDist-margin) {
		return VerdictIgnore
	}

	return VerdictUnknown
}

// Label renders the review label for face i (0-based) given its verdict.
// The "#<n>\n<name>" shape is what the attempt log stores and what
// PersonsFromLabels parses back.
func Label(i int, res Result, v Verdict) string {
	switch v {
	case VerdictUncertainName:
		return fmt.Sprintf("#%d\n%s / ign", i+1, res.Name)
	case VerdictUncertainIgnore:
		return fmt.Sprintf("#%d\nign / %s", i+1, res.Name)
	case VerdictName:
		return fmt.Sprintf("#%d\n%s", i+1, res.Name)
	case VerdictIgnore:
		return fmt.Sprintf("#%d\nign", i+1)
	default:
		return fmt.Sprintf("#%d\nunknown", i+1)
	}
}
