package campaign

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/service"
	"go.uber.org/fx"
)

// Module wires the campaign dispatch pipeline.
var Module = fx.Module("campaign.service",
	fx.Provide(
		service.NewMaterializer,
		service.NewDispatcher,
		service.NewAggregator,
		service.NewOrchestrator,
	),
)
