package encryption

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("encryption",
	fx.Provide(func(log *zap.Logger) *Service {
		return New(WithLogger(log))
	}),
)
