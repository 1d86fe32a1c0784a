//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/onkernel/buildspawn/cmd/buildspawn/config"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/paths"
	"github.com/onkernel/buildspawn/lib/providers"
	"github.com/onkernel/buildspawn/lib/tarball"
)

// application holds the initialized components shared by the lifecycle
// subcommands.
type application struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config *config.Config
	Paths  *paths.Paths
	Store  *tarball.Store
	Engine *nspawn.Engine
}

// queryApplication is the reduced component set for read-only subcommands,
// which must work on hosts without the container and archive tools.
type queryApplication struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config *config.Config
	Paths  *paths.Paths
}

// initializeApp is the injector function for lifecycle subcommands.
func initializeApp(configFile string) (*application, error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		config.Load,
		providers.ProvidePaths,
		providers.ProvideStore,
		providers.ProvideEngine,
		wire.Struct(new(application), "*"),
	))
}

// initializeQueryApp is the injector function for read-only subcommands.
func initializeQueryApp(configFile string) (*queryApplication, error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		config.Load,
		providers.ProvidePaths,
		wire.Struct(new(queryApplication), "*"),
	))
}
