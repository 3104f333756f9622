package main

import (
	"context"
	"database/sql"
	"flag"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"mutelu/internal/adapters/observability"
	"mutelu/internal/app"
	"mutelu/internal/shared"
	mysqlrepo "mutelu/internal/storage/mysql"
)

func main() {
	ctx := context.Background()
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// 1) initialize global logger (console in dev, JSON otherwise)
	observability.InstallGlobal(observability.NewLogger(cfg.AppEnv, cfg.LogLevel))

	path := flag.String("catalog", cfg.CatalogPath, "path to the places JSON catalog")
	flag.Parse()
	if *path == "" {
		log.Fatal().Msg("no catalog: pass -catalog or set catalog_path")
	}

	log.Info().
		Str("catalog", *path).
		Int("workers", cfg.Import.Workers).
		Msg("importer starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	places, err := app.LoadCatalogFile(*path)
	if err != nil {
		log.Fatal().Err(err).Msg("load catalog")
	}

	res, err := app.ImportPlaces(ctx, mysqlrepo.New(db), places, cfg.Region, cfg.Import.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("import failed")
	}
	log.Info().
		Int("decoded", len(places)).
		Int64("upserted", res.Upserted).
		Int64("failed", res.Failed).
		Int64("outside_region", res.OutsideRegion).
		Msg("import completed")
}
