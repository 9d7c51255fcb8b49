//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	tjcfg "tradingjii/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *tjcfg.Config) (*App, error) {
	wire.Build(
		provideAppBuilder,
		wire.Bind(new(appBuilderDeps), new(*AppBuilder)),
		provideAppFromBuilder,
	)
	return nil, nil
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *tjcfg.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}
