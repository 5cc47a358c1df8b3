// Package policy maps map zoom levels to query shaping decisions.
package policy

import "fmt"

// OrderStrategy selects the ORDER BY of a viewport query.
type OrderStrategy int

const (
	// PopularityFirst orders by net votes, highest first.
	PopularityFirst OrderStrategy = iota
	// RecencyFirst orders by creation time, newest first.
	RecencyFirst
)

func (o OrderStrategy) String() string {
	switch o {
	case PopularityFirst:
		return "popularity"
	case RecencyFirst:
		return "recency"
	}
	return fmt.Sprintf("OrderStrategy(%d)", int(o))
}

// Bucket applies to zooms in [MinZoom, next bucket's MinZoom).
type Bucket struct {
	MinZoom float64
	Limit   int
	Order   OrderStrategy
}

// Table is an ordered list of buckets, ascending by MinZoom.
// The first bucket also covers every zoom below its MinZoom.
type Table []Bucket

// DefaultTable: few, popular points when zoomed out; many, fresh points when zoomed in.
var DefaultTable = Table{
	{MinZoom: 0, Limit: 100, Order: PopularityFirst},
	{MinZoom: 3, Limit: 500, Order: PopularityFirst},
	{MinZoom: 6, Limit: 1000, Order: PopularityFirst},
	{MinZoom: 8, Limit: 2000, Order: RecencyFirst},
	{MinZoom: 13, Limit: 5000, Order: RecencyFirst},
}

// Lookup returns the bucket covering zoom.
func (t Table) Lookup(zoom float64) Bucket {
	b := t[0]
	for _, candidate := range t[1:] {
		if zoom < candidate.MinZoom {
			break
		}
		b = candidate
	}
	return b
}

// MaxLimit is the largest limit any bucket allows.
func (t Table) MaxLimit() int {
	largest := 0
	for _, b := range t {
		if b.Limit > largest {
			largest = b.Limit
		}
	}
	return largest
}

// Limit returns the result cap for zoom under DefaultTable.
func Limit(zoom float64) int {
	return DefaultTable.Lookup(zoom).Limit
}

// Order returns the ordering strategy for zoom under DefaultTable.
func Order(zoom float64) OrderStrategy {
	return DefaultTable.Lookup(zoom).Order
}
