package integrity

import (
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/identity"
	"github.com/smallbiznis/licensegate/internal/integrity/domain"
	"github.com/smallbiznis/licensegate/internal/integrity/repository"
	"github.com/smallbiznis/licensegate/internal/integrity/service"
	"go.uber.org/fx"
)

// ClientModule verifies the local usage_records table.
var ClientModule = fx.Module("integrity.client",
	fx.Provide(NewChecksummer),
	fx.Provide(repository.ProvideClient),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)

// AdminModule verifies imported report rows.
var AdminModule = fx.Module("integrity.admin",
	fx.Provide(NewChecksummer),
	fx.Provide(repository.ProvideAdmin),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)

func NewChecksummer(cfg config.Config, src identity.Source) *service.Checksummer {
	return service.NewChecksummer(src, cfg.IntegritySeed)
}
