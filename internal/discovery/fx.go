package discovery

import "go.uber.org/fx"

var Module = fx.Module("discovery.service",
	fx.Provide(NewService),
)
