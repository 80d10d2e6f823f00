package visits

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
)

// PingSource reads the raw ping log for historical reconstruction.
type PingSource interface {
	PingsBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.LocationPing, error)
}

// VisitStore reads and finalizes stored visits. Finalization persists the
// day status together with the visits, so partial and degraded outcomes
// survive later queries.
type VisitStore interface {
	VisitsForDay(ctx context.Context, userID, date string) ([]domain.Visit, error)
	VisitDayStatus(ctx context.Context, userID, date string) (domain.DayStatus, bool, error)
	ReplaceVisitsForDay(ctx context.Context, userID, date string, status domain.DayStatus, visits []domain.Visit) error
}

// Service assembles route/visit summaries for the query API.
type Service struct {
	cfg     Config
	pings   PingSource
	store   VisitStore
	tracker *Tracker
	log     zerolog.Logger
}

func NewService(cfg Config, pings PingSource, store VisitStore, tracker *Tracker) *Service {
	return &Service{
		cfg:     cfg,
		pings:   pings,
		store:   store,
		tracker: tracker,
		log:     log.With().Str("component", "route").Logger(),
	}
}

type Summary struct {
	StartTime       string  `json:"start_time,omitempty"`
	EndTime         string  `json:"end_time,omitempty"`
	TotalDistanceKm float64 `json:"total_distance_km"`
	TotalVisits     int     `json:"total_visits"`
}

type VisitView struct {
	Sequence    int     `json:"sequence"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Address     string  `json:"address,omitempty"`
	Time        string  `json:"time"`
	VisitedAt   string  `json:"visited_at"`
	DepartedAt  string  `json:"departed_at"`
	DistanceKm  float64 `json:"distance_km"`
	Provisional bool    `json:"provisional,omitempty"`
}

type Route struct {
	UserID    string           `json:"user_id"`
	Date      string           `json:"date"`
	Status    domain.DayStatus `json:"status"`
	Summary   Summary          `json:"summary"`
	Visits    []VisitView      `json:"visits"`
	RoutePath [][2]float64     `json:"route_path"`
}

// Route returns the visit route for (user, date). For today, stored visits
// are extended with the provisional open cluster. For a past day with no
// stored visits, the day is reconstructed from the raw log and finalized.
func (s *Service) Route(ctx context.Context, userID, date string) (*Route, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.cfg.location())
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	today := s.cfg.DateOf(time.Now())
	status := domain.DayComplete

	finalStatus, finalized, err := s.store.VisitDayStatus(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("day status lookup failed: %w", err)
	}
	if finalized {
		status = finalStatus
	}

	stored, err := s.store.VisitsForDay(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("visit lookup failed: %w", err)
	}

	if date < today && !finalized && len(stored) == 0 {
		stored, status, err = s.finalizeDay(ctx, userID, date, day)
		if err != nil {
			return nil, err
		}
	}

	visits := stored
	if date == today {
		if prov := s.tracker.Provisional(userID, date); prov != nil {
			visits = append(visits, *prov)
		}
	}
	for _, v := range visits {
		if v.DegradedSource {
			status = domain.DayDegraded
			break
		}
	}

	return buildRoute(userID, date, status, visits, s.cfg.location()), nil
}

func (s *Service) finalizeDay(ctx context.Context, userID, date string, day time.Time) ([]domain.Visit, domain.DayStatus, error) {
	from := day
	to := day.AddDate(0, 0, 1)
	pings, err := s.pings.PingsBetween(ctx, userID, from, to)
	if err != nil {
		return nil, "", fmt.Errorf("ping log read failed: %w", err)
	}
	if len(pings) == 0 {
		return nil, domain.DayComplete, nil
	}

	visits, status := BuildDay(s.cfg, userID, date, pings)
	if err := s.store.ReplaceVisitsForDay(ctx, userID, date, status, visits); err != nil {
		// Best-effort: the reconstruction is still served, just not persisted.
		s.log.Warn().Err(err).Str("user", userID).Str("date", date).
			Msg("failed to finalize reconstructed day")
		if status == domain.DayComplete {
			status = domain.DayPartial
		}
	}
	s.log.Info().Str("user", userID).Str("date", date).Int("visits", len(visits)).
		Str("status", string(status)).Msg("reconstructed historical day")
	return visits, status, nil
}

func buildRoute(userID, date string, status domain.DayStatus, visits []domain.Visit, loc *time.Location) *Route {
	r := &Route{
		UserID:    userID,
		Date:      date,
		Status:    status,
		Visits:    make([]VisitView, 0, len(visits)),
		RoutePath: make([][2]float64, 0, len(visits)),
	}
	for _, v := range visits {
		r.Summary.TotalDistanceKm += v.DistPrevKm
		r.Summary.TotalVisits++
		if r.Summary.StartTime == "" {
			r.Summary.StartTime = v.ArrivalTime.In(loc).Format("03:04 PM")
		}
		r.Summary.EndTime = v.DepartureTime.In(loc).Format("03:04 PM")

		r.Visits = append(r.Visits, VisitView{
			Sequence:    v.Sequence,
			Lat:         v.Latitude,
			Lng:         v.Longitude,
			Address:     v.Address,
			Time:        v.ArrivalTime.In(loc).Format("03:04 PM"),
			VisitedAt:   v.ArrivalTime.Format(time.RFC3339),
			DepartedAt:  v.DepartureTime.Format(time.RFC3339),
			DistanceKm:  round2(v.DistPrevKm),
			Provisional: v.Provisional,
		})
		r.RoutePath = append(r.RoutePath, [2]float64{v.Latitude, v.Longitude})
	}
	r.Summary.TotalDistanceKm = round2(r.Summary.TotalDistanceKm)
	return r
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
