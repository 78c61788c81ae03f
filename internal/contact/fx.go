package contact

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/resolver"
	"go.uber.org/fx"
)

var Module = fx.Module("contact",
	fx.Provide(resolver.NewResolver),
)
