// Package visits reconstructs a day's dwell episodes from a user's raw ping
// stream. A visit is a cluster of pings that stayed within the cluster radius
// of its running centroid, with no gap longer than the max gap, for at least
// the minimum dwell time. Shorter clusters are transit noise and discarded.
package visits

import (
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/geo"
)

type Config struct {
	ClusterRadiusM  float64
	MaxGap          time.Duration
	MinDwellTime    time.Duration
	AccuracyCutoffM float64
	Location        *time.Location
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

// DateOf returns the calendar day a ping belongs to, in the configured zone.
func (c Config) DateOf(t time.Time) string {
	return t.In(c.location()).Format("2006-01-02")
}

// cluster is the running state of one candidate visit.
type cluster struct {
	sumLat, sumLng float64
	n              int
	first, last    time.Time
	degraded       bool
}

func newCluster(p *domain.LocationPing, degraded bool) *cluster {
	return &cluster{
		sumLat:   p.Latitude,
		sumLng:   p.Longitude,
		n:        1,
		first:    p.CapturedAt,
		last:     p.CapturedAt,
		degraded: degraded,
	}
}

func (c *cluster) centroid() (float64, float64) {
	return c.sumLat / float64(c.n), c.sumLng / float64(c.n)
}

func (c *cluster) add(p *domain.LocationPing) {
	c.sumLat += p.Latitude
	c.sumLng += p.Longitude
	c.n++
	c.last = p.CapturedAt
}

func (c *cluster) duration() time.Duration {
	return c.last.Sub(c.first)
}

// accepts reports whether p may join the cluster: within the radius of the
// current centroid and within the max gap of the last member.
func (c *cluster) accepts(p *domain.LocationPing, cfg Config) bool {
	if p.CapturedAt.Sub(c.last) > cfg.MaxGap {
		return false
	}
	lat, lng := c.centroid()
	return geo.HaversineM(p.Latitude, p.Longitude, lat, lng) <= cfg.ClusterRadiusM
}

// toVisit materializes a closed cluster. prev is the previous visit's
// representative point, or nil for the first visit of the day.
func (c *cluster) toVisit(userID, date string, seq int, prevLat, prevLng *float64) domain.Visit {
	lat, lng := c.centroid()
	v := domain.Visit{
		UserID:         userID,
		Date:           date,
		Sequence:       seq,
		Latitude:       lat,
		Longitude:      lng,
		ArrivalTime:    c.first,
		DepartureTime:  c.last,
		MemberPings:    c.n,
		DegradedSource: c.degraded,
	}
	if prevLat != nil {
		v.DistPrevKm = geo.HaversineKm(*prevLat, *prevLng, lat, lng)
	}
	return v
}

// BuildDay reconstructs a finished day from its ordered ping log.
//
// Accuracy policy: pings worse than the cutoff are excluded from membership
// decisions. A day where no ping meets the cutoff is clustered from the noisy
// pings instead and explicitly reported as degraded; a day where a majority
// were excluded is reported as partial.
func BuildDay(cfg Config, userID, date string, pings []domain.LocationPing) ([]domain.Visit, domain.DayStatus) {
	if len(pings) == 0 {
		return nil, domain.DayComplete
	}

	usable := make([]*domain.LocationPing, 0, len(pings))
	for i := range pings {
		if cfg.AccuracyCutoffM <= 0 || pings[i].AccuracyM <= cfg.AccuracyCutoffM {
			usable = append(usable, &pings[i])
		}
	}

	status := domain.DayComplete
	degraded := false
	switch {
	case len(usable) == 0:
		degraded = true
		status = domain.DayDegraded
		for i := range pings {
			usable = append(usable, &pings[i])
		}
	case len(usable) < len(pings)/2:
		status = domain.DayPartial
	}

	var (
		visits   []domain.Visit
		current  *cluster
		seq      int
		prevLat  *float64
		prevLng  *float64
	)

	closeCurrent := func() {
		if current == nil {
			return
		}
		if current.duration() >= cfg.MinDwellTime {
			seq++
			v := current.toVisit(userID, date, seq, prevLat, prevLng)
			visits = append(visits, v)
			prevLat, prevLng = &v.Latitude, &v.Longitude
		}
		current = nil
	}

	for _, p := range usable {
		if current == nil {
			current = newCluster(p, degraded)
			continue
		}
		if current.accepts(p, cfg) {
			current.add(p)
			continue
		}
		closeCurrent()
		current = newCluster(p, degraded)
	}
	closeCurrent()

	return visits, status
}
