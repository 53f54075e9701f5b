package main

import (
	"context"
	"log"
	"os"

	"github.com/kilnhq/kiln/internal/api"
	"github.com/kilnhq/kiln/internal/builder"
	"github.com/kilnhq/kiln/internal/builder/docker"
	"github.com/kilnhq/kiln/internal/compile"
	"github.com/kilnhq/kiln/internal/compile/convert"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/registry"
	"github.com/kilnhq/kiln/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pipelines_file", cfg.DefsPath,
	)

	defs, err := config.LoadDefinitions(cfg.DefsPath)
	if err != nil {
		log.Fatalf("failed to load pipeline definitions: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	builders := builder.NewRegistry()
	builders.Register(docker.BuilderName, docker.NewBuilder(docker.Config{
		DockerBin:  cfg.DockerBin,
		ProbeCmd:   cfg.ProbeCmd,
		ContextDir: defs.ContextDir,
	}, logger))

	var regClient registry.Client
	if cfg.RegistryURL != "" {
		regClient = registry.NewHTTPClient(cfg.RegistryURL, cfg.RegistryToken)
	} else {
		logger.Warn("no registry configured, cleanup step will be skipped")
	}

	eng := engine.NewEngine(db, builders, regClient, defs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := config.WatchDefinitions(ctx, cfg.DefsPath, logger, eng.SetDefinitions); err != nil {
		logger.Warn("definitions watcher unavailable", "error", err)
	}

	compiler := compile.NewCompiler(convert.Default(), db, logger)

	srv := api.NewServer(cfg.ListenAddr, db, builders, eng, compiler, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight pipelines finish their store writes before closing the DB.
	eng.Wait()
}
