package providers

import (
	"context"
	"log/slog"

	"github.com/onkernel/buildspawn/cmd/buildspawn/config"
	"github.com/onkernel/buildspawn/lib/logger"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/paths"
	"github.com/onkernel/buildspawn/lib/tarball"
)

// ProvideContext provides a base context carrying the logger.
func ProvideContext(log *slog.Logger) context.Context {
	return logger.WithContext(context.Background(), log)
}

// ProvideLogger provides the process-wide structured logger.
func ProvideLogger() *slog.Logger {
	log := logger.New(slog.LevelInfo)
	slog.SetDefault(log)
	return log
}

// ProvidePaths derives the storage layout from the configuration.
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return &paths.Paths{
		ImagesDir:       cfg.ImagesDir,
		ResultsDir:      cfg.ResultsDir,
		AptCacheDir:     cfg.AptCacheDir,
		InjectedPkgsDir: cfg.InjectedPkgsDir,
		TempDir:         cfg.TempDir,
	}
}

// ProvideStore provides the image archive store.
func ProvideStore(cfg *config.Config) (*tarball.Store, error) {
	return tarball.NewStore(cfg.Compressor)
}

// ProvideEngine provides the container engine.
func ProvideEngine(ctx context.Context, cfg *config.Config) (*nspawn.Engine, error) {
	return nspawn.NewEngine(ctx, nspawn.EngineConfig{
		SyscallFilter:    cfg.SyscallFilter,
		AllowUnsafePerms: cfg.AllowUnsafePerms,
		CachePackages:    cfg.CachePackages,
		TempRoot:         cfg.TempDir,
	})
}
