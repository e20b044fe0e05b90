// session-search indexes and searches local AI coding agent transcripts
// (Claude Code, Codex, Gemini CLI, OpenCode) with hybrid exact + fuzzy
// retrieval.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kuatroka/code-session-search/internal/config"
	"github.com/kuatroka/code-session-search/internal/logging"
	"github.com/kuatroka/code-session-search/internal/search"
	"github.com/kuatroka/code-session-search/internal/searchdb"
	"github.com/kuatroka/code-session-search/internal/source"
	"github.com/kuatroka/code-session-search/internal/web"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("session-search %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	case "serve":
		err = cmdServe(args[1:])
	case "index":
		err = cmdIndex(args[1:])
	case "search":
		err = cmdSearch(args[1:])
	case "coverage":
		err = cmdCoverage(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`session-search - hybrid search over local AI agent sessions

Usage:
  session-search serve    [-config path] [-addr host:port]
  session-search index    [-config path]
  session-search search   [-config path] [-source name] [-limit n] [-json] [-no-fuzzy] [-strict] <query>
  session-search coverage [-config path] [-json]
  session-search version
`)
}

// setup loads config, initializes logging and opens the service stack
// shared by every subcommand.
func setup(ctx context.Context, configPath string, debug bool) (*config.Config, *search.Service, *source.Catalog, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logLevel := cfg.Logs.Level
	if debug {
		logLevel = "debug"
	}
	logging.Init(logging.Config{
		LogDir:     cfg.Logs.Dir,
		Level:      logLevel,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   true,
		Debug:      debug,
	})

	db, err := searchdb.Open(cfg.Search.DBPath)
	if err != nil {
		logging.Shutdown()
		return nil, nil, nil, nil, fmt.Errorf("open index: %w", err)
	}

	svc, err := search.NewService(ctx, db)
	if err != nil {
		db.Close()
		logging.Shutdown()
		return nil, nil, nil, nil, fmt.Errorf("init service: %w", err)
	}

	catalog := source.NewCatalog(cfg.Roots())
	cleanup := func() {
		db.Close()
		logging.Shutdown()
	}
	return cfg, svc, catalog, cleanup, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	addr := fs.String("addr", "", "listen address (overrides config)")
	debug := fs.Bool("debug", false, "verbose logging")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, svc, catalog, cleanup, err := setup(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer cleanup()

	log := logging.Logger()

	limiter := rate.NewLimiter(rate.Limit(cfg.Search.IndexRatePerSec), cfg.Search.IndexRatePerSec*2)
	sweepInterval := time.Duration(cfg.Search.SweepIntervalSec) * time.Second

	watcher, err := source.NewWatcher(catalog)
	if err != nil {
		log.Warn("watcher_unavailable", slog.String("error", err.Error()))
		watcher = nil
	}

	listenAddr := cfg.Web.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	srv := web.NewServer(web.Config{ListenAddr: listenAddr, Token: cfg.Web.AuthToken}, svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.RunSweeper(gctx, catalog, sweepInterval, limiter)
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						return nil
					}
					if err := svc.HandleChange(gctx, catalog, ev); err != nil {
						log.Debug("change_apply_failed", slog.String("error", err.Error()))
					}
				}
			}
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		if watcher != nil {
			watcher.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("serving", slog.String("addr", listenAddr))
	if err := g.Wait(); err != nil {
		// Preserve the recent log tail next to the log file for postmortems.
		dumpPath := filepath.Join(cfg.Logs.Dir, "session-search.crash.log")
		if dumpErr := logging.DumpRingBuffer(dumpPath); dumpErr == nil {
			log.Error("serve_failed", slog.String("error", err.Error()),
				slog.String("dump", dumpPath))
		}
		return err
	}
	return nil
}

func cmdIndex(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	workers := fs.Int("workers", 4, "parallel parse workers")
	debug := fs.Bool("debug", false, "verbose logging")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, svc, catalog, cleanup, err := setup(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer cleanup()

	refs, err := catalog.ListSessions(ctx)
	if err != nil {
		return err
	}
	svc.SetExpected(refs)

	work := make(chan search.SessionRef)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			for ref := range work {
				doc, err := catalog.LoadDocument(gctx, ref)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skip %s/%s: %v\n", ref.Source, ref.ID, err)
					continue
				}
				if err := svc.IndexSession(gctx, doc); err != nil {
					fmt.Fprintf(os.Stderr, "index %s/%s: %v\n", ref.Source, ref.ID, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for _, ref := range refs {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case work <- ref:
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	cov := svc.Coverage()
	fmt.Printf("indexed %d of %d sessions\n", cov.TotalIndexed, cov.TotalExpected)
	return nil
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	sourceName := fs.String("source", "", "restrict to one source")
	limit := fs.Int("limit", 0, "max results")
	asJSON := fs.Bool("json", false, "JSON output")
	noFuzzy := fs.Bool("no-fuzzy", false, "disable fuzzy matching")
	strict := fs.Bool("strict", false, "fail if the index is incomplete")
	fs.Parse(args)

	query := strings.Join(fs.Args(), " ")
	if query == "" {
		return errors.New("search: query required")
	}
	if *sourceName != "" && !source.Known(*sourceName) {
		return fmt.Errorf("unknown source %q", *sourceName)
	}

	ctx := context.Background()
	_, svc, catalog, cleanup, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer cleanup()

	// Refresh expectations so strict mode and coverage reflect disk, not
	// just whatever the last process indexed.
	if refs, err := catalog.ListSessions(ctx); err == nil {
		svc.SetExpected(refs)
	}

	resp, err := svc.Search(ctx, query, search.Options{
		Source: *sourceName,
		Limit:  *limit,
		Fuzzy:  !*noFuzzy,
		Strict: *strict,
	})
	if errors.Is(err, search.ErrIndexPartial) {
		return fmt.Errorf("index is partial (%d of %d sessions indexed); run `session-search index` or drop -strict",
			resp.Coverage.TotalIndexed, resp.Coverage.TotalExpected)
	}
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if resp.Partial {
		fmt.Printf("note: index is partial (%d/%d indexed)\n\n",
			resp.Coverage.TotalIndexed, resp.Coverage.TotalExpected)
	}
	for i, r := range resp.Results {
		title := r.Display
		if title == "" {
			title = r.SessionID
		}
		fmt.Printf("%2d. [%s] %s\n", i+1, r.Source, title)
		if r.Project != "" {
			fmt.Printf("    %s\n", r.Project)
		}
		if r.Snippet != "" {
			fmt.Printf("    %s\n", r.Snippet)
		}
	}
	if len(resp.Results) == 0 {
		fmt.Println("no results")
	}
	return nil
}

func cmdCoverage(args []string) error {
	fs := flag.NewFlagSet("coverage", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	asJSON := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	ctx := context.Background()
	_, svc, catalog, cleanup, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer cleanup()

	if refs, err := catalog.ListSessions(ctx); err == nil {
		svc.SetExpected(refs)
	}
	cov := svc.Coverage()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cov)
	}

	state := "complete"
	if cov.Partial {
		state = "partial"
	}
	fmt.Printf("index %s: %d of %d sessions\n", state, cov.TotalIndexed, cov.TotalExpected)
	for name, sc := range cov.BySource {
		fmt.Printf("  %-10s %d/%d\n", name, sc.Indexed, sc.Expected)
	}
	return nil
}
