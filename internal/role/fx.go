package role

import "go.uber.org/fx"

var Module = fx.Module("role.catalog",
	fx.Provide(NewCatalog),
)
