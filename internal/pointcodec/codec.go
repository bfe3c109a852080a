// Package pointcodec shrinks stroke coordinate streams for the realtime wire.
// Consecutive drawing samples are spatially close, so long strokes are sent
// as a base point plus signed integer deltas scaled by 100; short gestures
// skip the compression overhead entirely.
package pointcodec

import "math"

// CompressThreshold is the minimum sample count worth delta-encoding.
const CompressThreshold = 10

// Point is an (x, y) sample. It marshals as a two-element JSON array.
type Point [2]float64

// Encoded is the wire representation of a point stream. Exactly one of
// Data (raw) or Base+Deltas (compressed) is populated.
type Encoded struct {
	Compressed bool    `json:"compressed"`
	Data       []Point `json:"data,omitempty"`
	Base       *Point  `json:"base,omitempty"`
	Deltas     []int   `json:"deltas,omitempty"`
}

// Compress encodes a point stream. Streams shorter than CompressThreshold are
// emitted raw, rounded to 2 decimals. Longer streams carry a base point and
// per-axis deltas; each delta is taken against the value the decoder will
// reconstruct, so rounding error never accumulates past 0.01.
func Compress(points []Point) Encoded {
	if len(points) < CompressThreshold {
		data := make([]Point, len(points))
		for i, p := range points {
			data[i] = Point{round2(p[0]), round2(p[1])}
		}
		return Encoded{Compressed: false, Data: data}
	}

	base := Point{round2(points[0][0]), round2(points[0][1])}
	deltas := make([]int, 0, (len(points)-1)*2)
	prev := base
	for _, p := range points[1:] {
		dx := scaleDelta(round2(p[0]) - prev[0])
		dy := scaleDelta(round2(p[1]) - prev[1])
		deltas = append(deltas, dx, dy)
		prev[0] += float64(dx) / 100
		prev[1] += float64(dy) / 100
	}
	return Encoded{Compressed: true, Base: &base, Deltas: deltas}
}

// Decompress reconstructs the point stream by cumulative summation of the
// deltas divided by 100, starting from the base point. Raw streams are
// returned as-is.
func Decompress(enc Encoded) []Point {
	if !enc.Compressed {
		return append([]Point(nil), enc.Data...)
	}
	if enc.Base == nil {
		return []Point{}
	}
	points := make([]Point, 0, len(enc.Deltas)/2+1)
	current := *enc.Base
	points = append(points, current)
	for i := 0; i+1 < len(enc.Deltas); i += 2 {
		current[0] += float64(enc.Deltas[i]) / 100
		current[1] += float64(enc.Deltas[i+1]) / 100
		points = append(points, Point{round2(current[0]), round2(current[1])})
	}
	return points
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func scaleDelta(d float64) int {
	return int(math.Round(d * 100))
}
