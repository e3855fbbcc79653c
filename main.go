package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/pharmacy-assistant/agent/tool"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/catalog"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/events"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/feedback"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/reservation"
	configx "github.com/tanpawarit/pharmacy-assistant/pkg/config"
	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
	_ "github.com/tanpawarit/pharmacy-assistant/pkg/logger/autoload"
	qstashx "github.com/tanpawarit/pharmacy-assistant/pkg/qstash"
)

type CatalogConfig struct {
	Source  string `envconfig:"SOURCE" default:"file"`
	DataDir string `envconfig:"DATA_DIR" split_words:"true" default:"./data"`
}

type AgentConfig struct {
	AdminTools bool `split_words:"true" default:"false"`
}

func (c CatalogConfig) Validate() error {
	switch c.Source {
	case "file", "postgres":
		return nil
	default:
		return fmt.Errorf("unknown catalog source %q (want file or postgres)", c.Source)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("pharmacy assistant stopped")
	}
}

// run serves tool requests from stdin until EOF or ctx ends. Only tool
// results are written to stdout; logs go to stderr.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	logCfg := configx.MustNew[logx.Config]("LOG")
	logx.InitWriter(stderr, *logCfg)

	catalogCfg := configx.MustNew[CatalogConfig]("CATALOG")
	engineCfg := configx.MustNew[reservation.Config]("PHARMACY")
	agentCfg := configx.MustNew[AgentConfig]("AGENT")

	store, records, closeStore, err := openCatalog(ctx, *catalogCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger := inventory.NewLedger(inventory.WithStrict(engineCfg.StrictLedger))
	if err := ledger.Load(records); err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}

	sink, history, err := buildSink()
	if err != nil {
		return err
	}

	engine, err := reservation.New(store, ledger, reservation.NewTable(), *engineCfg, reservation.WithSink(sink))
	if err != nil {
		return fmt.Errorf("build reservation engine: %w", err)
	}
	sweeper, err := reservation.NewSweeper(engine, engineCfg.SweepInterval)
	if err != nil {
		return err
	}
	go func() { _ = sweeper.Run(ctx) }()

	toolOpts := []tool.Option{tool.WithAdminTools(agentCfg.AdminTools)}
	if history != nil {
		toolOpts = append(toolOpts, tool.WithActivity(history))
	}
	facade, err := tool.NewFacade(engine, store, feedback.NewLog(), toolOpts...)
	if err != nil {
		return err
	}

	log.Info().
		Str("catalog", catalogCfg.Source).
		Int("inventory_records", len(records)).
		Str("default_store", engineCfg.DefaultStoreID).
		Dur("hold_duration", engineCfg.HoldDuration).
		Bool("admin_tools", agentCfg.AdminTools).
		Msg("pharmacy assistant ready")

	served := make(chan error, 1)
	go func() { served <- tool.ServeLines(ctx, facade, stdin, stdout) }()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-served:
	}

	if auditErr := engine.Audit(); auditErr != nil {
		log.Error().Err(auditErr).Msg("inventory audit failed at shutdown")
	}
	return err
}

func openCatalog(ctx context.Context, cfg CatalogConfig) (catalog.Store, []inventory.Record, func() error, error) {
	switch cfg.Source {
	case "postgres":
		pgCfg := configx.MustNew[catalog.PostgresConfig]("POSTGRES")
		if strings.TrimSpace(pgCfg.DSN) == "" {
			return nil, nil, nil, errors.New("POSTGRES_DSN is required when CATALOG_SOURCE=postgres")
		}
		pg, err := catalog.NewPostgresStore(*pgCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres catalog: %w", err)
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, fmt.Errorf("ping postgres catalog: %w", err)
		}
		records, err := pg.LoadInventory(ctx)
		if err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, records, pg.Close, nil
	default:
		ds, records, err := catalog.LoadDir(cfg.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		mem, err := catalog.NewMemory(ds)
		if err != nil {
			return nil, nil, nil, err
		}
		return mem, records, func() error { return nil }, nil
	}
}

// buildSink also returns the Redis history when it is configured so the
// tool layer can read recent activity back from it.
func buildSink() (events.Sink, *events.RedisHistory, error) {
	var (
		sinks   events.Fanout
		history *events.RedisHistory
	)

	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	if qstashCfg.Enabled() {
		client, err := qstashx.NewClient(*qstashCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("build qstash client: %w", err)
		}
		sinks = append(sinks, events.NewQStash(client))
	}

	redisCfg := configx.MustNew[events.RedisHistoryConfig]("UPSTASH_REDIS")
	if redisCfg.Enabled() {
		h, err := events.NewRedisHistory(*redisCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("build reservation history: %w", err)
		}
		history = h
		sinks = append(sinks, h)
	}

	if len(sinks) == 0 {
		return events.Nop{}, nil, nil
	}
	log.Info().Int("sinks", len(sinks)).Msg("reservation events enabled")
	return sinks, history, nil
}
