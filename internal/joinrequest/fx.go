package joinrequest

import (
	"github.com/smallbiznis/tenancy/internal/joinrequest/repository"
	"github.com/smallbiznis/tenancy/internal/joinrequest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("joinrequest.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
