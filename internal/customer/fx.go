package customer

import (
	"github.com/smallbiznis/licensegate/internal/customer/domain"
	"github.com/smallbiznis/licensegate/internal/customer/repository"
	"github.com/smallbiznis/licensegate/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
