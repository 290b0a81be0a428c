package tracking

import "time"

// State is the freshness of a vehicle's last known position.
type State string

const (
	Live      State = "LIVE"
	LastKnown State = "LAST_KNOWN"
	Offline   State = "OFFLINE"
)

const (
	DefaultLiveThreshold    = 20 * time.Second
	DefaultOfflineThreshold = 300 * time.Second
)

// Classifier maps the age of a vehicle's last update onto a State. Ages below
// Live are LIVE, ages up to and including Offline are LAST_KNOWN, anything
// older is OFFLINE.
type Classifier struct {
	Live    time.Duration
	Offline time.Duration
}

// DefaultClassifier uses the 20s and 300s boundaries.
func DefaultClassifier() Classifier {
	return Classifier{Live: DefaultLiveThreshold, Offline: DefaultOfflineThreshold}
}

// Classify returns the State for an update that is age old. A negative age
// (clock skew between reporter and server) counts as fresh.
func (c Classifier) Classify(age time.Duration) State {
	switch {
	case age < c.Live:
		return Live
	case age <= c.Offline:
		return LastKnown
	default:
		return Offline
	}
}

// ClassifySince classifies an update made at last, as seen at now. A zero
// last means the vehicle never reported a position.
func (c Classifier) ClassifySince(last, now time.Time) State {
	if last.IsZero() {
		return Offline
	}
	return c.Classify(now.Sub(last))
}
