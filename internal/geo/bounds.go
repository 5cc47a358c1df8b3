// Package geo provides viewport geometry for the POI map server.
package geo

import (
	"fmt"
	"math"
)

// Bounds is a lat/lon rectangle in degrees. East/West never wrap the antimeridian.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// InvalidBoundsError reports a malformed viewport supplied by a caller.
type InvalidBoundsError struct {
	Bounds Bounds
	Reason string
}

func (e *InvalidBoundsError) Error() string {
	return fmt.Sprintf("invalid bounds (n=%v s=%v e=%v w=%v): %s",
		e.Bounds.North, e.Bounds.South, e.Bounds.East, e.Bounds.West, e.Reason)
}

// Validate returns an *InvalidBoundsError when any edge is NaN or infinite,
// or when north is not strictly greater than south.
func (b Bounds) Validate() error {
	for _, v := range [...]float64{b.North, b.South, b.East, b.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InvalidBoundsError{Bounds: b, Reason: "non-finite coordinate"}
		}
	}
	if b.North <= b.South {
		return &InvalidBoundsError{Bounds: b, Reason: "north must be greater than south"}
	}
	return nil
}

// Contains reports whether the point lies inside b, edges inclusive.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// Direction names a neighbouring rectangle.
type Direction int

const (
	North Direction = iota
	South
	East
	West
)

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	case East:
		return "east"
	case West:
		return "west"
	}
	return "unknown"
}

// Neighbor is one rectangle adjacent to a viewport.
type Neighbor struct {
	Direction Direction
	Bounds    Bounds
}

// PrefetchPadding returns the outward extent, in degrees, of each neighbour strip:
// max(0.01, 1/2^(zoom-2)). Zoom is clamped at 0, so the padding never exceeds 4.
func PrefetchPadding(zoom float64) float64 {
	if !(zoom > 0) {
		zoom = 0
	}
	return math.Max(0.01, 1/math.Pow(2, zoom-2))
}

// Neighbors returns the four rectangles that share one edge with b and extend
// outward by padding, in north, south, east, west order.
func Neighbors(b Bounds, padding float64) [4]Neighbor {
	return [4]Neighbor{
		{North, Bounds{North: b.North + padding, South: b.North, East: b.East, West: b.West}},
		{South, Bounds{North: b.South, South: b.South - padding, East: b.East, West: b.West}},
		{East, Bounds{North: b.North, South: b.South, East: b.East + padding, West: b.East}},
		{West, Bounds{North: b.North, South: b.South, East: b.West, West: b.West - padding}},
	}
}
