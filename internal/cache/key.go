package cache

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/poi"
)

const (
	minPrecision = 2
	maxPrecision = 6

	allFilter = "all"
)

// Precision returns the number of decimal digits kept for a zoom level:
// floor(zoom) clamped to [2, 6].
func Precision(zoom float64) int {
	p := int(math.Floor(zoom))
	if p < minPrecision {
		return minPrecision
	}
	if p > maxPrecision {
		return maxPrecision
	}
	return p
}

// ViewportKey generates a cache key for a viewport. Bounds that round to the
// same values at the zoom's precision share a key.
func ViewportKey(b geo.Bounds, zoom float64, filterKey string) string {
	p := Precision(zoom)
	if filterKey == "" {
		filterKey = allFilter
	}
	return fmt.Sprintf("vp:%s,%s,%s,%s:z%d:%s",
		roundCoord(b.North, p), roundCoord(b.South, p),
		roundCoord(b.East, p), roundCoord(b.West, p),
		int(math.Floor(zoom)), filterKey)
}

// FilterKey encodes the non-default query options that change a result set.
// Values are query-escaped so no category or status can spell another filter.
// limit <= 0 means the zoom policy limit.
func FilterKey(f poi.Filters, limit int) string {
	var parts []string
	if f.Category != "" {
		parts = append(parts, "cat="+url.QueryEscape(f.Category))
	}
	if f.Status != "" {
		parts = append(parts, "status="+url.QueryEscape(f.Status))
	}
	if limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(limit))
	}
	if len(parts) == 0 {
		return allFilter
	}
	return strings.Join(parts, "|")
}

// CountsKey generates a cache key for viewport counts at full precision.
func CountsKey(b geo.Bounds, status string) string {
	return fmt.Sprintf("counts:%s,%s,%s,%s:%s",
		roundCoord(b.North, maxPrecision), roundCoord(b.South, maxPrecision),
		roundCoord(b.East, maxPrecision), roundCoord(b.West, maxPrecision),
		url.QueryEscape(status))
}

func roundCoord(v float64, precision int) string {
	s := strconv.FormatFloat(v, 'f', precision, 64)
	// -0.000 and 0.000 are the same coordinate
	if strings.HasPrefix(s, "-") && strings.Trim(s, "-0.") == "" {
		return s[1:]
	}
	return s
}
