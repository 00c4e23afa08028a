package lock

import (
	"context"
	"time"

	"github.com/regenlab/regencache/types"
)

const defaultLeaseTTL = 30 * time.Second

var customLockCreators = make(map[string]types.LockCreator)

// RegisterLock makes a custom lock backend available under the given type name.
func RegisterLock(lockName string, creator types.LockCreator) {
	customLockCreators[lockName] = creator
}

func NewRegenLock(ctx context.Context, config *types.LockConfig, logger types.Logger, health types.HealthManager) (types.RegenLock, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryLock(ctx, logger), nil
	case "redis":
		return NewRedisLock(ctx, logger, config, health)
	default:
		if creator, exists := customLockCreators[config.Type]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrLockTypeUnknown, "type: %s", config.Type)
	}
}
