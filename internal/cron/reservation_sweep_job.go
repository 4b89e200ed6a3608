package cron

import (
	"context"
	"fmt"

	"github.com/kobopay/kobopay-backend/pkg/logger"
)

type reservationExpirer interface {
	ExpireReservations(ctx context.Context) (int64, error)
}

// NewReservationSweepJob builds the job that expires overdue reservations.
// Expiry does not move money; unclaimed value goes back to the sender only
// when the room itself expires.
func NewReservationSweepJob(logg *logger.Logger, sweeper reservationExpirer) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &reservationSweepJob{logg: logg, sweeper: sweeper}, nil
}

type reservationSweepJob struct {
	logg    *logger.Logger
	sweeper reservationExpirer
}

func (j *reservationSweepJob) Name() string { return "reservation-sweep" }

func (j *reservationSweepJob) Run(ctx context.Context) error {
	expired, err := j.sweeper.ExpireReservations(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		j.logg.Info(j.logg.WithField(ctx, "reservations_expired", expired), "expired reservations swept")
	}
	return nil
}
