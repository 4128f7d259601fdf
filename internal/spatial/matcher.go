package spatial

import (
	"math"
	"time"
)

// Neighbor is one matched candidate for a query point, with the great-circle
// distance between them in kilometers.
type Neighbor struct {
	Point      Point
	DistanceKm float64
}

// Params configures a nearest-neighbor computation.
type Params struct {
	// K is the number of distinct-identity neighbors requested per query.
	K int

	// Window restricts candidates to those whose timestamp lies within
	// Window of the query's own timestamp, inclusive on both sides. A
	// non-positive Window disables temporal filtering; this is used for
	// candidates without meaningful timestamps (station metadata).
	Window time.Duration
}

// Nearest returns, for each query point, up to K candidates nearest by
// great-circle distance, restricted to the temporal window around the query's
// own timestamp and to candidates with pairwise-distinct identity. A
// candidate sharing the query's own identity is never returned (no
// self-matching). Queries with fewer than K eligible candidates get shorter
// result slices; absence is not an error and is never padded.
//
// Ties in distance are broken by the index's deterministic iteration order;
// no canonical tie-break is attempted.
func Nearest(queries, candidates []Point, p Params) [][]Neighbor {
	results := make([][]Neighbor, len(queries))
	if p.K <= 0 || len(candidates) == 0 {
		return results
	}

	t := newTree(candidates)

	for qi, q := range queries {
		qLat := q.Latitude * math.Pi / 180
		qLon := q.Longitude * math.Pi / 180

		// Identities already consumed for this query. Seeding with the
		// query's own identity excludes self-matches and any other
		// observation from the same entity.
		used := map[string]bool{q.identity(): true}

		var neighbors []Neighbor
		for len(neighbors) < p.K {
			i, dist := t.nearest(qLat, qLon, func(ci int) bool {
				c := candidates[ci]
				if c.ID == q.ID || used[c.identity()] {
					return false
				}
				if p.Window > 0 {
					dt := c.Time.Sub(q.Time)
					if dt < -p.Window || dt > p.Window {
						return false
					}
				}
				return true
			})
			if i < 0 {
				break // candidates exhausted
			}
			used[candidates[i].identity()] = true
			neighbors = append(neighbors, Neighbor{
				Point:      candidates[i],
				DistanceKm: dist * EarthRadiusKm,
			})
		}
		results[qi] = neighbors
	}

	return results
}

// DistanceKm returns the great-circle distance in kilometers between two
// points given in degrees.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	return EarthRadiusKm * haversine(lat1*degToRad, lon1*degToRad, lat2*degToRad, lon2*degToRad)
}
