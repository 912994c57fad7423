package bus

import (
	"fmt"
	"strings"

	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
)

// Provided wraps the active Bus implementation, exposing the concrete type
// when callers need transport-specific behavior (e.g. tests inspecting the
// in-memory retention buffer).
type Provided struct {
	Bus    Bus
	Memory *MemoryBus
	NATS   *NATSBus
}

// Provide builds the configured Bus: NATS JetStream when cfg.NATS.URL is
// set, otherwise the in-process MemoryBus.
func Provide(cfg *config.Config, log *logger.Logger) (*Provided, func() error, error) {
	retention := RetentionPolicy{
		MaxMessages: int64(cfg.MessageBus.RetentionMessages),
		MaxAge:      cfg.MessageBus.RetentionAge(),
	}

	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := NewNATSBus(cfg.NATS, cfg.MessageBus, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS bus: %w", err)
		}
		return &Provided{Bus: natsBus, NATS: natsBus}, natsBus.Close, nil
	}

	memBus := NewMemoryBus(log, retention)
	return &Provided{Bus: memBus, Memory: memBus}, memBus.Close, nil
}
