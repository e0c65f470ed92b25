package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semVerPattern = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

// SemVer is a parsed semantic version. Go pseudo-versions parse as pre-releases.
type SemVer struct {
	Major, Minor, Patch int64
	PreRelease          string
	Build               string
}

// Parse parses a semantic version with an optional leading v.
func Parse(raw string) (SemVer, error) {
	m := semVerPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return SemVer{}, fmt.Errorf("invalid semantic version: %q", raw)
	}
	var nums [3]int64
	for i := range nums {
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return SemVer{}, fmt.Errorf("invalid semantic version %q: %w", raw, err)
		}
		nums[i] = n
	}
	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2], PreRelease: m[4], Build: m[5]}, nil
}

// String returns the canonical form, without the leading v.
func (v SemVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}
