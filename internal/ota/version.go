package ota

import (
	"strconv"
	"strings"
)

// CompareVersions compares dotted numeric versions component by component.
// Missing trailing components and non-numeric components count as 0, so
// "1.2" equals "1.2.0". The result is -1, 0 or 1.
func CompareVersions(a, b string) int {
	ap := strings.Split(strings.TrimSpace(a), ".")
	bp := strings.Split(strings.TrimSpace(b), ".")
	n := len(ap)
	if len(bp) > n {
		n = len(bp)
	}
	for i := 0; i < n; i++ {
		x, y := component(ap, i), component(bp, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0
	}
	return v
}

// normalizeTag strips the "v" prefix GitHub tags carry.
func normalizeTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}
