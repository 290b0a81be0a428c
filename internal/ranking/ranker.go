// Package ranking scores the vehicles approaching a rider's pickup stop and
// labels the shortlist shown to the rider.
package ranking

import (
	"math"
	"sort"
	"time"
)

// PassedScore is given to vehicles already past the pickup; they always sort
// last.
const PassedScore = -9999

const (
	LabelBest        = "BEST CHOICE"
	LabelFastest     = "FASTEST"
	LabelLessCrowded = "LESS CROWDED"
	LabelMostSeats   = "MOST SEATS"
	LabelOnTime      = "ON TIME"
	LabelAvailable   = "AVAILABLE"
)

// Candidate statuses the ranker reacts to.
const (
	StatusOnTime = "ON TIME"
	StatusPassed = "PASSED"
)

const (
	etaCapMin        = 30.0
	neutralScore     = 50.0
	stationarySpeed  = 40.0
	speedScorePerKmh = 3.0

	// Stand-ins for unknown values when picking category winners.
	unknownETAMin     = 999.0
	unknownCrowdLevel = 100.0
)

const (
	weightETA         = 0.35
	weightReliability = 0.25
	weightCrowd       = 0.20
	weightSpeed       = 0.10
	weightFreshness   = 0.10
)

// Candidate is one vehicle considered for the shortlist. Nil pointers mean
// the value is unknown.
type Candidate struct {
	VehicleID string `json:"bus_id"`
	RouteID   string `json:"route_id,omitempty"`

	ETAToPickupMin *float64 `json:"eta_to_pickup_min"`
	// Reliability is a 0-100 on-time score.
	Reliability *float64 `json:"reliability"`
	// Crowd is a 0-100 occupancy level.
	Crowd          *float64  `json:"crowd"`
	SeatsRemaining *int      `json:"seats_remaining"`
	SpeedKmh       float64   `json:"speed_kmph"`
	LastUpdated    time.Time `json:"last_updated"`
	HasPassed      bool      `json:"has_passed"`
	Status         string    `json:"status,omitempty"`
}

// Ranked is a scored and labelled candidate.
type Ranked struct {
	Candidate
	Score int    `json:"score"`
	Rank  int    `json:"rank"`
	Label string `json:"label"`
}

// Ranker orders candidates by a weighted score of ETA, reliability, crowding,
// motion and freshness.
type Ranker struct {
	now func() time.Time
}

// NewRanker creates a Ranker. A nil now uses time.Now.
func NewRanker(now func() time.Time) *Ranker {
	if now == nil {
		now = time.Now
	}
	return &Ranker{now: now}
}

// Score computes the weighted score of c, rounded to an integer.
func (r *Ranker) Score(c Candidate) int {
	if c.HasPassed || c.Status == StatusPassed {
		return PassedScore
	}

	eta := etaCapMin
	if c.ETAToPickupMin != nil {
		eta = min(etaCapMin, *c.ETAToPickupMin)
	}
	etaNorm := max(0, 100-eta/etaCapMin*100)

	reliabilityNorm := valueOr(c.Reliability, neutralScore)
	crowdNorm := max(0, 100-valueOr(c.Crowd, neutralScore))

	speedNorm := stationarySpeed
	if c.SpeedKmh > 0 {
		speedNorm = min(100, c.SpeedKmh*speedScorePerKmh)
	}

	score := etaNorm*weightETA +
		reliabilityNorm*weightReliability +
		crowdNorm*weightCrowd +
		speedNorm*weightSpeed +
		freshness(r.now().Sub(c.LastUpdated))*weightFreshness

	return int(math.Round(score))
}

func freshness(age time.Duration) float64 {
	switch {
	case age < 5*time.Second:
		return 100
	case age < 15*time.Second:
		return 80
	case age < 30*time.Second:
		return 50
	default:
		return 20
	}
}

// Rank scores every candidate, sorts them best first and assigns ranks and
// labels. The top candidate is BEST CHOICE. The others are labelled, first
// match wins, FASTEST, LESS CROWDED or MOST SEATS when they hold that
// category's best value, and otherwise ON TIME or AVAILABLE. Equal scores
// keep their input order.
func (r *Ranker) Rank(candidates []Candidate) []Ranked {
	if len(candidates) == 0 {
		return []Ranked{}
	}

	out := make([]Ranked, len(candidates))
	for i, c := range candidates {
		out[i] = Ranked{Candidate: c, Score: r.Score(c)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	fastest := bestIndex(out, func(c Candidate) float64 { return -valueOr(c.ETAToPickupMin, unknownETAMin) })
	leastCrowded := bestIndex(out, func(c Candidate) float64 { return -valueOr(c.Crowd, unknownCrowdLevel) })
	mostSeats := bestIndex(out, func(c Candidate) float64 {
		if c.SeatsRemaining == nil {
			return 0
		}
		return float64(*c.SeatsRemaining)
	})

	for i := range out {
		out[i].Rank = i + 1
		switch {
		case i == 0:
			out[i].Label = LabelBest
		case i == fastest:
			out[i].Label = LabelFastest
		case i == leastCrowded:
			out[i].Label = LabelLessCrowded
		case i == mostSeats:
			out[i].Label = LabelMostSeats
		case out[i].Status == StatusOnTime:
			out[i].Label = LabelOnTime
		default:
			out[i].Label = LabelAvailable
		}
	}
	return out
}

// bestIndex returns the index with the highest key; the first one wins ties.
func bestIndex(rs []Ranked, key func(Candidate) float64) int {
	best := 0
	for i := 1; i < len(rs); i++ {
		if key(rs[i].Candidate) > key(rs[best].Candidate) {
			best = i
		}
	}
	return best
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
