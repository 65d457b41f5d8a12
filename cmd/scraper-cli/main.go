// Command scraper-cli is the operator surface for scraper orchestration
// named in spec.md §6: list discovered scrapers, run one or all of them,
// dry-run one without enqueueing, and inspect/requeue the dead-letter
// list (a supplemented feature; spec.md names dead_letter_drain() as a
// queue substrate operation but not an operator surface for it).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/scraper"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	configPath := os.Getenv("SCRAPER_CLI_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	switch os.Args[1] {
	case "list":
		cmdList(cfg)
	case "run":
		cmdRun(cfg, log, os.Args[2:])
	case "test":
		cmdTest(cfg, os.Args[2:])
	case "dead-letter":
		cmdDeadLetter(cfg, log, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  scraper-cli list
  scraper-cli run <name>
  scraper-cli run --all
  scraper-cli test <name> [--query <jq-expr>]
  scraper-cli dead-letter list <queue>
  scraper-cli dead-letter requeue <queue>`)
}

func cmdList(cfg *config.Config) {
	scrapers, err := scraper.Discover(cfg.Scraper.ScraperDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "discover scrapers:", err)
		os.Exit(1)
	}
	for _, s := range scrapers {
		fmt.Println(s.ID)
	}
}

func cmdRun(cfg *config.Config, log logrus.FieldLogger, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	all := fs.Bool("all", false, "run every discovered scraper")
	_ = fs.Parse(args)

	q, err := queue.New(queue.Config{
		URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize,
		TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second,
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect to redis:", err)
		os.Exit(1)
	}
	defer q.Close()

	orch := scraper.New(q, cfg.Scraper.ScraperDir, cfg.Scraper.Concurrency, cfg.Scraper.Timeout.AsDuration(), cfg.Scraper.Schedule, log)

	ctx := context.Background()
	if *all {
		results := orch.RunAll(ctx)
		exitCode := 0
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", r.ScraperID, r.Err)
				exitCode = 1
				continue
			}
			fmt.Printf("%s: ok (content_hash=%s)\n", r.ScraperID, r.ContentHash)
		}
		os.Exit(exitCode)
	}

	if fs.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	name := fs.Arg(0)
	scrapers, err := scraper.Discover(cfg.Scraper.ScraperDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "discover scrapers:", err)
		os.Exit(1)
	}
	s, ok := findScraper(scrapers, name)
	if !ok {
		fmt.Fprintf(os.Stderr, "no such scraper: %s\n", name)
		os.Exit(1)
	}

	result := scraper.Run(ctx, s, cfg.Scraper.Timeout.AsDuration())
	if result.Err != nil {
		fmt.Fprintln(os.Stderr, result.Err)
		os.Exit(1)
	}
	payload, _ := json.Marshal(result.Payload())
	if _, err := q.Enqueue(ctx, types.QueueRaw, payload, map[string]string{
		"scraper_id": result.ScraperID, "content_hash": result.ContentHash,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "enqueue raw job:", err)
		os.Exit(1)
	}
	fmt.Printf("%s: ok (content_hash=%s)\n", result.ScraperID, result.ContentHash)
}

// cmdTest runs one scraper without enqueueing, optionally projecting its
// captured stdout through a jq expression for ad-hoc inspection.
func cmdTest(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	query := fs.String("query", "", "jq expression to apply to the captured raw output (treated as a JSON string)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	name := fs.Arg(0)

	scrapers, err := scraper.Discover(cfg.Scraper.ScraperDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "discover scrapers:", err)
		os.Exit(1)
	}
	s, ok := findScraper(scrapers, name)
	if !ok {
		fmt.Fprintf(os.Stderr, "no such scraper: %s\n", name)
		os.Exit(1)
	}

	result := scraper.Run(context.Background(), s, cfg.Scraper.Timeout.AsDuration())
	if result.Stderr != "" {
		fmt.Fprintln(os.Stderr, result.Stderr)
	}
	if result.Err != nil {
		fmt.Fprintln(os.Stderr, result.Err)
		os.Exit(1)
	}

	if *query == "" {
		fmt.Println(result.RawText)
		return
	}
	if err := runJQ(*query, result.RawText); err != nil {
		fmt.Fprintln(os.Stderr, "jq:", err)
		os.Exit(1)
	}
}

// runJQ applies expr to raw, first attempting to parse raw as JSON and
// falling back to treating it as a bare JSON string so --query also works
// against scrapers whose raw output isn't itself JSON.
func runJQ(expr, raw string) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return err
	}

	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		input = raw
	}

	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return err
		}
		out, _ := json.Marshal(v)
		fmt.Println(string(out))
	}
}

func cmdDeadLetter(cfg *config.Config, log logrus.FieldLogger, args []string) {
	if len(args) != 2 {
		usage()
		os.Exit(1)
	}
	action, queueName := args[0], args[1]

	q, err := queue.New(queue.Config{
		URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize,
		TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second,
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect to redis:", err)
		os.Exit(1)
	}
	defer q.Close()

	ctx := context.Background()
	switch action {
	case "list":
		jobs, err := q.DeadLetterPeek(ctx, queueName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "peek dead letter:", err)
			os.Exit(1)
		}
		for _, j := range jobs {
			fmt.Printf("%s\tretries=%d\n", j.ID, j.RetryCount)
		}
	case "requeue":
		jobs, err := q.DeadLetterDrain(ctx, queueName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "drain dead letter:", err)
			os.Exit(1)
		}
		for _, j := range jobs {
			if _, err := q.Enqueue(ctx, queueName, j.Payload, j.Metadata); err != nil {
				fmt.Fprintf(os.Stderr, "requeue %s: %v\n", j.ID, err)
				continue
			}
			fmt.Println(j.ID)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func findScraper(scrapers []scraper.Scraper, name string) (scraper.Scraper, bool) {
	for _, s := range scrapers {
		if s.ID == name {
			return s, true
		}
	}
	return scraper.Scraper{}, false
}
