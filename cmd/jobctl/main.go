// Command jobctl inspects and maintains the persisted video job snapshot
// while the API server is stopped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fislearning/fischat/internal/bootstrap"
	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
)

const usage = `Usage: jobctl [-config path] <command> [args]

Commands:
  list          print every live job record
  show <id>     print one job record as JSON
  prune         drop expired records and rewrite the snapshot
  abandon       mark records still processing as failed and rewrite the snapshot
`

func main() {
	appLogger := logger.New(&logger.EnvConfig{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "fischat-jobctl",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Store.Driver == "memory" {
		appLogger.Fatal("store.driver is memory, there is no persisted snapshot to work on")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	persister, closePersister, err := bootstrap.NewPersister(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job persister")
	}
	defer func() { _ = closePersister() }()

	storeCfg := bootstrap.StoreConfig(cfg)
	storeCfg.SafetyFlushInterval = -1
	store := jobs.NewStore(persister, appLogger, storeCfg)
	if _, err := store.Load(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to load job snapshot")
	}

	if err := run(ctx, store, flag.Args(), os.Stdout); err != nil {
		appLogger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, store *jobs.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}
	switch args[0] {
	case "list":
		return list(store, out)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("show needs a job id")
		}
		return show(store, args[1], out)
	case "prune":
		return prune(ctx, store)
	case "abandon":
		return abandon(ctx, store)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func list(store *jobs.Store, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tBACKEND\tCREATED\tPROGRESS")
	for _, rec := range store.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Status, rec.Stage, rec.Request.RenderBackend,
			rec.CreatedAt.Format(time.RFC3339), rec.Progress)
	}
	return w.Flush()
}

func show(store *jobs.Store, id string, out io.Writer) error {
	rec, err := store.Get(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func prune(ctx context.Context, store *jobs.Store) error {
	evicted := store.Sweep(store.Now())
	if err := store.Flush(ctx); err != nil {
		return err
	}
	logger.With(logger.Fields{"evicted": len(evicted), "remaining": store.Len()}).
		Info(ctx, "Snapshot pruned")
	return nil
}

// abandon fails jobs whose server went away mid-run; nothing will ever
// resume them.
func abandon(ctx context.Context, store *jobs.Store) error {
	now := store.Now()
	count := 0
	for _, rec := range store.List() {
		if rec.Status != domain.JobStatusProcessing {
			continue
		}
		_, err := store.Update(rec.ID, func(r *domain.JobRecord) {
			r.MarkFailed("interrupted by a server restart", now)
		})
		if err != nil {
			return fmt.Errorf("abandon %s: %w", rec.ID, err)
		}
		count++
	}
	if err := store.Flush(ctx); err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldCount: count}).Info(ctx, "Processing jobs marked failed")
	return nil
}
