package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
)

// cronLogger routes cron's own messages to zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("watch")
	macFlag := fs.String("mac", "", "MAC address of device")
	file := fs.String("file", a.cfg.History.File, "History file to keep in sync")
	schedule := fs.String("cron", a.cfg.Schedule.Cron, "Cron schedule of the sync")
	once := fs.Bool("once", false, "Sync once and exit")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mac, err := a.resolveMAC(*macFlag)
	if err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: --file is required when history.file is not configured", ErrInvalidUserInput)
	}

	// each run uses its own connection
	syncOnce := func() error {
		return a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
			return a.syncHistory(ctx, t, mac, *file)
		})
	}

	if *once {
		return syncOnce()
	}

	logger := cronLogger{sugar: a.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err = c.AddFunc(*schedule, func() {
		if err := syncOnce(); err != nil {
			a.logger.Error("history sync failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%w: invalid cron schedule %q: %v", ErrInvalidUserInput, *schedule, err)
	}

	a.logger.Info("watching device history",
		zap.String("mac", mac),
		zap.String("file", *file),
		zap.String("schedule", *schedule),
	)
	if err := syncOnce(); err != nil {
		a.logger.Error("initial history sync failed", zap.Error(err))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("watch stopped")
	return ctx.Err()
}
