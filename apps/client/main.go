package main

import (
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	"github.com/smallbiznis/licensegate/internal/integrity"
	"github.com/smallbiznis/licensegate/internal/license"
	"github.com/smallbiznis/licensegate/internal/localstore"
	"github.com/smallbiznis/licensegate/internal/observability"
	"github.com/smallbiznis/licensegate/internal/server"
	"github.com/smallbiznis/licensegate/internal/usage"
	"github.com/smallbiznis/licensegate/internal/usage/worker"
	"go.uber.org/fx"
)

// The client agent records usage into the local store, validates the
// installed license and writes encrypted usage reports for the operator to
// carry to the admin service. The host application drives it over a
// loopback-only HTTP API.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		identity.Module,
		localstore.Module,

		encryption.Module,
		integrity.ClientModule,
		license.Module,
		usage.Module,
		worker.Module,
		server.ClientModule,
	)
	app.Run()
}
