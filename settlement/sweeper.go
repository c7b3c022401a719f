package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper expires stale charges on a schedule.
type Sweeper struct {
	svc  *Service
	cron *cron.Cron
	log  *slog.Logger
}

// NewSweeper schedules ExpireStaleCharges with a standard cron expression,
// e.g. "*/5 * * * *" for every five minutes.
func NewSweeper(svc *Service, schedule string, log *slog.Logger) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Sweeper{
		svc:  svc,
		cron: cron.New(),
		log:  log,
	}

	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		expired, err := s.svc.ExpireStaleCharges(ctx, time.Now())
		if err != nil {
			s.log.Error("charge expiry sweep failed", "error", err)
			return
		}
		if expired > 0 {
			s.log.Info("charge expiry sweep", "expired", expired)
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
