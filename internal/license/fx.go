package license

import (
	"context"
	"errors"
	"os"

	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/license/repository"
	"github.com/smallbiznis/licensegate/internal/license/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("license.validator",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewValidator),
	fx.Provide(func(v *service.Validator) domain.Service { return v }),
	fx.Invoke(startValidator),
)

// startValidator loads the installed license and, when a license config file
// is present, keeps the validator in sync with it.
func startValidator(lc fx.Lifecycle, cfg config.Config, v *service.Validator, log *zap.Logger) {
	log = log.Named("license")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := v.Load(ctx); err != nil {
				return err
			}

			path := cfg.Client.LicenseConfigPath
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				log.Info("no license config file, using stored license", zap.String("path", path))
				return nil
			}

			watcher, err := config.NewLicenseWatcher(path, log)
			if err != nil {
				log.Warn("license config file ignored", zap.String("path", path), zap.Error(err))
				return nil
			}
			if _, err := v.ApplyLicenseFile(ctx, watcher.Current()); err != nil {
				log.Warn("license config rejected", zap.Error(err))
			}
			watcher.OnChange(func(lf config.LicenseFile) {
				if _, err := v.ApplyLicenseFile(context.Background(), lf); err != nil {
					log.Warn("reloaded license config rejected", zap.Error(err))
				}
			})
			return nil
		},
	})
}
