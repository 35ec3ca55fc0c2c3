package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/config"
	"github.com/smallbiznis/fiskal/internal/migration"
	"github.com/smallbiznis/fiskal/internal/observability"
	"github.com/smallbiznis/fiskal/internal/server"
	"github.com/smallbiznis/fiskal/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
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
