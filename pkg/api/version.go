package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version. Build metadata is retained for
// display but never participates in comparison.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	PreRelease string
	Build      string
}

// ParseVersion parses "major.minor.patch[-prerelease][+build]".
func ParseVersion(s string) (Version, error) {
	var v Version

	rest := s
	if i := strings.IndexByte(rest, '+'); i >= 0 {
		v.Build = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		v.PreRelease = rest[i+1:]
		rest = rest[:i]
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// IsDev reports whether the version carries a pre-release tag, marking a
// development build.
func (v Version) IsDev() bool {
	return v.PreRelease != ""
}

// String renders the version without build metadata.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	return s
}

// CompatibleWith reports whether an agent at version other may serve a
// controller at version v. Release controllers require an exact
// major.minor.patch match; development controllers accept any patch level
// within the same major.minor. Build metadata is ignored on both sides.
// The second return value is true when the versions differ in a way that
// deserves a warning even though the handshake proceeds (same major.minor,
// differing patch, dev build).
func (v Version) CompatibleWith(other Version) (ok bool, warn bool) {
	if v.Major != other.Major || v.Minor != other.Minor {
		return false, false
	}
	if v.IsDev() || other.IsDev() {
		return true, v.Patch != other.Patch || v.PreRelease != other.PreRelease
	}
	return v.Patch == other.Patch, false
}
