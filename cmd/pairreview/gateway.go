package main

import (
	"context"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/gateway/websocket"
)

// provideGateway builds the WebSocket gateway and starts its hub loop.
func provideGateway(ctx context.Context, log *logger.Logger) (*websocket.Gateway, error) {
	gateway, err := websocket.Provide(log)
	if err != nil {
		return nil, err
	}
	go gateway.Hub.Run(ctx)
	return gateway, nil
}
