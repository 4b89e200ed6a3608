package cron

import (
	"context"
	"fmt"

	"github.com/kobopay/kobopay-backend/pkg/logger"
)

type roomExpirer interface {
	ExpireRooms(ctx context.Context) (int, int64, error)
}

// NewGiftRoomSweepJob builds the job that expires overdue rooms and refunds
// their unclaimed value.
func NewGiftRoomSweepJob(logg *logger.Logger, sweeper roomExpirer) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &giftRoomSweepJob{logg: logg, sweeper: sweeper}, nil
}

type giftRoomSweepJob struct {
	logg    *logger.Logger
	sweeper roomExpirer
}

func (j *giftRoomSweepJob) Name() string { return "gift-room-sweep" }

func (j *giftRoomSweepJob) Run(ctx context.Context) error {
	expired, refunded, err := j.sweeper.ExpireRooms(ctx)
	ctx = j.logg.WithFields(ctx, map[string]any{
		"rooms_expired": expired,
		"refunded_kobo": refunded,
	})
	if err != nil {
		return err
	}
	if expired > 0 {
		j.logg.Info(ctx, "expired rooms swept")
	}
	return nil
}
