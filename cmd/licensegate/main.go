package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/customer"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	"github.com/smallbiznis/licensegate/internal/integrity"
	"github.com/smallbiznis/licensegate/internal/invoice"
	"github.com/smallbiznis/licensegate/internal/migration"
	"github.com/smallbiznis/licensegate/internal/observability"
	"github.com/smallbiznis/licensegate/internal/reportimport"
	"github.com/smallbiznis/licensegate/internal/scheduler"
	"github.com/smallbiznis/licensegate/internal/server"
	"github.com/smallbiznis/licensegate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		identity.Module,
		db.Module,
		migration.Module,

		// Functional Domains
		encryption.Module,
		customer.Module,
		reportimport.Module,
		invoice.Module,
		integrity.AdminModule,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
