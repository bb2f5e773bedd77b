package invoice

import (
	"github.com/smallbiznis/licensegate/internal/invoice/domain"
	"github.com/smallbiznis/licensegate/internal/invoice/repository"
	"github.com/smallbiznis/licensegate/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
