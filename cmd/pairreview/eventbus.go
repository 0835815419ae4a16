package main

import (
	"github.com/in-the-loop-labs/pairreview/internal/common/config"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/events"
	"github.com/in-the-loop-labs/pairreview/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provided.Bus, cleanup, nil
}
