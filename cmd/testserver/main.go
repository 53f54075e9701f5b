// testserver starts a kiln API server with a stub builder and an in-memory
// registry for E2E testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/kilnhq/kiln/internal/api"
	"github.com/kilnhq/kiln/internal/builder"
	"github.com/kilnhq/kiln/internal/compile"
	"github.com/kilnhq/kiln/internal/compile/convert"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/registry"
	"github.com/kilnhq/kiln/internal/store"
)

// stubBuilder is a configurable mock builder for E2E tests.
type stubBuilder struct {
	buildDelay time.Duration
	versions   builder.Versions
}

func (s *stubBuilder) Resolve(_ context.Context) (builder.Versions, error) {
	return s.versions, nil
}

func (s *stubBuilder) Build(ctx context.Context, spec builder.BuildSpec) error {
	if spec.LogWriter != nil {
		spec.LogWriter("[build] sending context")
		spec.LogWriter("[build] building " + spec.ImageTag)
	}
	select {
	case <-time.After(s.buildDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if spec.LogWriter != nil {
		spec.LogWriter("[build] done")
	}
	return nil
}

func (s *stubBuilder) Push(ctx context.Context, spec builder.BuildSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.LogWriter != nil {
		spec.LogWriter("[push] pushed " + spec.ImageTag)
	}
	return nil
}

func (s *stubBuilder) Capabilities() builder.Capabilities {
	return builder.Capabilities{Name: "stub", SupportsPush: true, MaxConcurrency: 10}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}
	buildDelay := 500 * time.Millisecond
	if v := os.Getenv("KILN_STUB_BUILD_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			buildDelay = d
		}
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	builders := builder.NewRegistry()
	builders.Register(builder.DefaultName, &stubBuilder{
		buildDelay: buildDelay,
		versions:   builder.Versions{TensorRT: "10.3.0", Cudnn: "8.9.7"},
	})

	// Seed the registry with a tagged version and two stale untagged ones so
	// the cleanup step has something to chew on.
	reg := registry.NewMemoryRegistry()
	reg.AddVersion("torch_tensorrt", []string{"main"}, time.Now().Add(-2*time.Hour))
	reg.AddVersion("torch_tensorrt", nil, time.Now().Add(-time.Hour))
	reg.AddVersion("torch_tensorrt", nil, time.Now().Add(-30*time.Minute))

	defs := config.DefaultDefinitions()
	defs.Branches = nil // accept any branch in E2E runs

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, builders, reg, defs, logger)
	compiler := compile.NewCompiler(convert.Default(), db, logger)
	srv := api.NewServer(addr, db, builders, eng, compiler, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
