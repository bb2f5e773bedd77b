package usage

import (
	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/smallbiznis/licensegate/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.tracker",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewTracker),
	fx.Provide(func(t *service.Tracker) domain.Tracker { return t }),
)
