package app

import (
	"errors"

	"liquidity-rebalancer/internal/storage"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate() error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	version, err := storage.Migrate(a.Config.Database.DSN, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Uint("version", version).Msg("database schema up to date")
	return nil
}
