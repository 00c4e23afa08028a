package notifier

import (
	"context"

	"github.com/regenlab/regencache/types"
)

var customNotifierCreators = make(map[string]types.NotifierCreator)

// RegisterNotifier makes a custom transport available under the given type name.
func RegisterNotifier(notifierName string, creator types.NotifierCreator) {
	customNotifierCreators[notifierName] = creator
}

func NewNotifier(ctx context.Context, config *types.NotifierConfig, logger types.Logger, health types.HealthManager) (types.Notifier, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrNotifierIsDisabled
	}

	switch config.Type {
	case "websocket":
		return NewWebSocketNotifier(ctx, logger, config, health)
	default:
		if creator, exists := customNotifierCreators[config.Type]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrNotifierTypeUnknown, "type: %s", config.Type)
	}
}
