//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/sso-session-core/internal/app"
	"github.com/sandeepkv93/sso-session-core/internal/config"
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	wire.Build(
		ObservabilitySet,
		PersistenceSet,
		SessionSet,
		HTTPSet,
		provideApp,
	)
	return nil, nil
}
