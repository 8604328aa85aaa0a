package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/logging"
	"github.com/makeastudio/api/internal/realtime"
	"github.com/makeastudio/api/internal/service"
	"github.com/makeastudio/api/internal/store"
)

// env is what every subcommand works against. It is opened lazily so
// commands that need no database (token) never touch one.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger

	db        *store.SQLStore
	local     *service.LocalScheduler
	queue     *asynq.Client
	inspector *asynq.Inspector
}

func (e *env) store(ctx context.Context) (*store.SQLStore, error) {
	if e.db != nil {
		return e.db, nil
	}
	db, err := store.Open(ctx, &e.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.db = db
	return db, nil
}

func (e *env) ledger(ctx context.Context) (*service.CreditLedger, error) {
	db, err := e.store(ctx)
	if err != nil {
		return nil, err
	}
	return service.NewCreditLedger(db, e.cfg.Pipeline.CourtesyRefunds, e.logger), nil
}

// orchestrator wires the full pipeline. With the local scheduler any run a
// sweep requeues executes inside this process before the command returns.
func (e *env) orchestrator(ctx context.Context) (*service.Orchestrator, error) {
	db, err := e.store(ctx)
	if err != nil {
		return nil, err
	}
	storage, err := client.NewStorage(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var scheduler service.Scheduler
	if e.cfg.Pipeline.Scheduler == "local" {
		e.local = service.NewLocalScheduler(e.cfg.Pipeline.WorkerConcurrency, e.logger)
		scheduler = e.local
	} else {
		redisOpt := asynq.RedisClientOpt{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		}
		e.queue = asynq.NewClient(redisOpt)
		e.inspector = asynq.NewInspector(redisOpt)
		scheduler = service.NewAsynqScheduler(e.queue, e.inspector, e.cfg.Pipeline.HardDeadline+10*time.Minute, e.logger)
	}

	orch := service.NewOrchestrator(service.Deps{
		Store:       db,
		Ledger:      service.NewCreditLedger(db, e.cfg.Pipeline.CourtesyRefunds, e.logger),
		Completer:   client.NewGroqClient(&e.cfg.Groq, e.logger),
		Predictions: client.NewPoller(client.NewReplicateClient(&e.cfg.Replicate, e.logger), e.logger),
		Relocator:   service.NewRelocator(storage, e.cfg.Storage.FetchMaxBytes, e.logger),
		Hub:         realtime.NewHub(realtime.Options{}, e.logger),
		Scheduler:   scheduler,
		Catalog:     service.NewCatalog(&e.cfg.Replicate),
		Pipeline:    e.cfg.Pipeline,
		Logger:      e.logger,
	})
	if e.local != nil {
		e.local.Bind(orch.Run)
	}
	return orch, nil
}

func (e *env) close() {
	if e.local != nil {
		e.local.Wait()
	}
	if e.queue != nil {
		e.queue.Close()
	}
	if e.inspector != nil {
		e.inspector.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

// newRootCmd builds the command tree. The returned func releases whatever
// the command opened and must run after Execute.
func newRootCmd() (*cobra.Command, func()) {
	e := &env{}
	var debug bool

	root := &cobra.Command{
		Use:          "genctl",
		Short:        "Operate the generation service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			e.cfg = cfg

			level := "warn"
			if debug {
				level = "debug"
			}
			e.logger = logging.NewWithWriter(cmd.ErrOrStderr(), level, "console")
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", os.Getenv("GENCTL_DEBUG") != "", "Enable debug logging")

	root.AddCommand(
		newBalanceCmd(e),
		newGrantCmd(e),
		newJobCmd(e),
		newStepsCmd(e),
		newRecoverCmd(e),
		newSweepCmd(e),
		newTokenCmd(e),
	)
	return root, e.close
}

// printJSON writes v indented to out.
func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
