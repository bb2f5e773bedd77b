package reportimport

import (
	"github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"github.com/smallbiznis/licensegate/internal/reportimport/repository"
	"github.com/smallbiznis/licensegate/internal/reportimport/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reportimport.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
