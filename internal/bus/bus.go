// Package bus carries decision and model events. The channel bus keeps
// everything in process; the NATS bus lets several replicas share one
// audit stream.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New returns the bus selected by cfg.Type. An empty type means "channel".
func New(ctx context.Context, cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(ctx, cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
}
