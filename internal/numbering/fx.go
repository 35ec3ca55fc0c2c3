package numbering

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/numbering/service"
)

var Module = fx.Module("numbering",
	fx.Provide(service.NewService),
)
