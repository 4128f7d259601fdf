// Package spatial implements the spatiotemporal nearest-neighbor matcher used
// to associate mobile measurement events with nearby observations from other
// sources. Distances are great-circle (haversine) distances over a ball-tree
// index, reported in kilometers using Earth's mean radius.
package spatial

import (
	"math"
	"time"
)

// EarthRadiusKm is Earth's mean radius, used to convert the angular
// great-circle distance returned by the index into kilometers.
const EarthRadiusKm = 6371.0

// leafSize bounds the number of points held in a ball-tree leaf.
const leafSize = 15

// Point is one positioned, timestamped observation offered to the matcher.
//
// ID identifies the observation itself (typically the persisted event id).
// EntityID identifies the physical entity that produced it (sensor, station,
// or grid cell); the matcher guarantees returned neighbors have pairwise
// distinct EntityIDs. An empty EntityID falls back to ID as the identity.
type Point struct {
	ID        string
	EntityID  string
	Latitude  float64 // degrees
	Longitude float64 // degrees
	Time      time.Time
}

// identity returns the distinct-identity key for the point.
func (p Point) identity() string {
	if p.EntityID != "" {
		return p.EntityID
	}
	return p.ID
}

// haversine returns the angular great-circle distance in radians between two
// points given in radians.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if a > 1 {
		a = 1
	}
	return 2 * math.Asin(math.Sqrt(a))
}

// node is one ball of the tree: a center, the maximum angular distance from
// the center to any member, and either two children or a leaf point list.
type node struct {
	centerLat float64
	centerLon float64
	radius    float64
	left      *node
	right     *node
	points    []int // candidate indices; non-nil only for leaves
}

// tree is a ball tree over candidate positions using the haversine metric.
// Positions are stored in radians.
type tree struct {
	lats []float64
	lons []float64
	root *node
}

// newTree builds a ball tree over the given positions (degrees). Building is
// O(C log C) for C candidates.
func newTree(points []Point) *tree {
	t := &tree{
		lats: make([]float64, len(points)),
		lons: make([]float64, len(points)),
	}
	for i, p := range points {
		t.lats[i] = p.Latitude * math.Pi / 180
		t.lons[i] = p.Longitude * math.Pi / 180
	}
	if len(points) == 0 {
		return t
	}
	idx := make([]int, len(points))
	for i := range idx {
		idx[i] = i
	}
	t.root = t.build(idx)
	return t
}

// build recursively partitions the index slice into balls, splitting at the
// median of the coordinate with the widest spread.
func (t *tree) build(idx []int) *node {
	n := &node{}
	n.centerLat, n.centerLon = t.centroid(idx)
	for _, i := range idx {
		if d := haversine(n.centerLat, n.centerLon, t.lats[i], t.lons[i]); d > n.radius {
			n.radius = d
		}
	}

	if len(idx) <= leafSize {
		n.points = idx
		return n
	}

	// Split on the coordinate with the widest spread.
	minLat, maxLat := t.lats[idx[0]], t.lats[idx[0]]
	minLon, maxLon := t.lons[idx[0]], t.lons[idx[0]]
	for _, i := range idx[1:] {
		minLat = math.Min(minLat, t.lats[i])
		maxLat = math.Max(maxLat, t.lats[i])
		minLon = math.Min(minLon, t.lons[i])
		maxLon = math.Max(maxLon, t.lons[i])
	}
	coord := t.lats
	if maxLon-minLon > maxLat-minLat {
		coord = t.lons
	}

	mid := len(idx) / 2
	selectKth(idx, mid, coord)

	left := t.build(idx[:mid])
	right := t.build(idx[mid:])
	n.left = left
	n.right = right
	return n
}

// centroid returns the coordinate mean of the members. The mean is only used
// as a ball center; correctness of the search bound depends on the radius,
// which is computed from actual member distances.
func (t *tree) centroid(idx []int) (lat, lon float64) {
	for _, i := range idx {
		lat += t.lats[i]
		lon += t.lons[i]
	}
	n := float64(len(idx))
	return lat / n, lon / n
}

// selectKth partially sorts idx so that idx[k] holds the element with the
// k-th smallest coordinate value (quickselect).
func selectKth(idx []int, k int, coord []float64) {
	lo, hi := 0, len(idx)-1
	for lo < hi {
		pivot := coord[idx[(lo+hi)/2]]
		i, j := lo, hi
		for i <= j {
			for coord[idx[i]] < pivot {
				i++
			}
			for coord[idx[j]] > pivot {
				j--
			}
			if i <= j {
				idx[i], idx[j] = idx[j], idx[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			return
		}
	}
}

// nearest returns the index and angular distance of the closest candidate to
// the query position (radians) for which eligible returns true, or (-1, 0)
// when no candidate is eligible. The search is branch-and-bound: a ball is
// pruned when the distance to its center minus its radius cannot beat the
// best distance found so far (valid because haversine satisfies the triangle
// inequality).
func (t *tree) nearest(qLat, qLon float64, eligible func(i int) bool) (int, float64) {
	best := -1
	bestDist := math.Inf(1)

	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		centerDist := haversine(qLat, qLon, n.centerLat, n.centerLon)
		if centerDist-n.radius >= bestDist {
			return
		}
		if n.points != nil {
			for _, i := range n.points {
				if !eligible(i) {
					continue
				}
				if d := haversine(qLat, qLon, t.lats[i], t.lons[i]); d < bestDist {
					best = i
					bestDist = d
				}
			}
			return
		}
		// Descend into the closer child first to tighten the bound early.
		lDist := haversine(qLat, qLon, n.left.centerLat, n.left.centerLon)
		rDist := haversine(qLat, qLon, n.right.centerLat, n.right.centerLon)
		if lDist <= rDist {
			walk(n.left)
			walk(n.right)
		} else {
			walk(n.right)
			walk(n.left)
		}
	}
	walk(t.root)

	if best < 0 {
		return -1, 0
	}
	return best, bestDist
}
