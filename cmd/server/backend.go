package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/config"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/credit/store"
	"github.com/warp/skill-exchange/session"
	"github.com/warp/skill-exchange/store/postgres"
	"github.com/warp/skill-exchange/store/sqlite"
)

// backend bundles the stores of one driver.
type backend struct {
	ledger    credit.TxStore
	sessions  session.Store
	offerings catalog.Store
	ping      func(ctx context.Context) error
	pool      *pgxpool.Pool // postgres only, shared with river
	close     func()
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		logger.Info("store opened", "driver", "sqlite", "path", cfg.DSN)
		return &backend{
			ledger:    s,
			sessions:  s.Sessions(),
			offerings: s.Offerings(),
			ping:      s.Ping,
			close:     func() { s.Close() },
		}, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("store opened", "driver", "postgres")
		return &backend{
			ledger:    s,
			sessions:  s.Sessions(),
			offerings: s.Offerings(),
			ping:      s.Ping,
			pool:      s.Pool(),
			close:     s.Close,
		}, nil

	case "memory":
		logger.Warn("using in-memory store, all data is lost on exit")
		return &backend{
			ledger:    store.NewTxMemory(),
			sessions:  session.NewMemoryStore(),
			offerings: catalog.NewMemoryStore(),
			close:     func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// seedOfferings upserts the [[offerings]] rows from the config.
func seedOfferings(ctx context.Context, cat *catalog.Catalog, rows []config.OfferingConfig) error {
	for _, o := range rows {
		if _, err := cat.Put(ctx, catalog.Offering{
			TeacherID:      credit.UserID(o.Teacher),
			SkillRef:       o.Skill,
			Title:          o.Title,
			CreditsPerHour: o.Rate(),
			Active:         true,
		}); err != nil {
			return fmt.Errorf("seed offering %s/%s: %w", o.Teacher, o.Skill, err)
		}
	}
	return nil
}
