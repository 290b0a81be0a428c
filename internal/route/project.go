package route

import (
	"math"

	"github.com/FooledKiwi/bustrack/internal/geo"
	"github.com/paulmach/orb"
)

const (
	// NoHint asks Project for a full-path search.
	NoHint = -1

	// windowBehind and windowAhead bound the hinted search, in segments.
	windowBehind = 5
	windowAhead  = 50

	// offRouteKm is the residual above which a windowed match is distrusted
	// and the rest of the path is searched.
	offRouteKm = 0.2
)

// Projection is the closest position on a route's path to a queried point.
type Projection struct {
	Point                orb.Point
	SegmentIndex         int
	DistanceFromOriginKm float64
	ResidualKm           float64
}

// Project maps p onto the path of r.
//
// With a valid hint only segments [hint-5, hint+50) are searched; if the best
// match there is further than 200m from p, the remaining segments are
// searched as well. Without a hint the full path is searched. On equal
// residuals the lowest segment index wins.
//
// r must come from New, which guarantees at least one segment.
func Project(r *Route, p orb.Point, hint int) Projection {
	best := Projection{
		Point:        r.Path[0],
		SegmentIndex: 0,
		ResidualKm:   math.Inf(1),
	}

	segments := r.Segments()
	if hint < 0 || hint >= len(r.Path) {
		scanSegments(r, p, 0, segments, &best)
		return best
	}

	start := max(0, hint-windowBehind)
	end := min(segments, hint+windowAhead)
	scanSegments(r, p, start, end, &best)

	if best.ResidualKm > offRouteKm {
		scanSegments(r, p, 0, start, &best)
		scanSegments(r, p, end, segments, &best)
	}

	return best
}

// scanSegments checks segments [from, to) and replaces best on a strictly
// smaller residual. Segments before the window are scanned after it, so an
// exact tie also goes to the lower index.
func scanSegments(r *Route, p orb.Point, from, to int, best *Projection) {
	for i := from; i < to; i++ {
		checkSegment(r, p, i, best)
	}
}

func checkSegment(r *Route, p orb.Point, i int, best *Projection) {
	a := r.Path[i]
	b := r.Path[i+1]

	foot, _ := geo.ProjectOnSegment(p, a, b)
	d := geo.DistanceKm(p, foot)

	if d < best.ResidualKm || (d == best.ResidualKm && i < best.SegmentIndex) {
		*best = Projection{
			Point:                foot,
			SegmentIndex:         i,
			DistanceFromOriginKm: r.cumKm[i] + geo.DistanceKm(a, foot),
			ResidualKm:           d,
		}
	}
}
