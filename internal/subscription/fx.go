package subscription

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(service.NewService),
)
