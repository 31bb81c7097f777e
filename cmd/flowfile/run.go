package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/flowfile/flowfile/internal/flow/cache"
	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/fileio"
	"github.com/flowfile/flowfile/internal/flow/model"
	"github.com/flowfile/flowfile/internal/flow/validate"
	"github.com/flowfile/flowfile/internal/worker"
)

func runFlow(args []string) {
	var flowPath string
	cacheDir := envDefault("FLOWFILE_CACHE_DIR", defaultCacheDir())
	workerURL := os.Getenv("FLOWFILE_WORKER_URL")
	maxWorkers := envInt("FLOWFILE_MAX_PARALLEL_WORKERS", 0)
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			flowPath = flagValue(args, &i, "--flow")
		case "--cache-dir":
			cacheDir = flagValue(args, &i, "--cache-dir")
		case "--worker-url":
			workerURL = flagValue(args, &i, "--worker-url")
		case "--max-workers":
			v := flagValue(args, &i, "--max-workers")
			fmt.Sscanf(v, "%d", &maxWorkers)
		case "--timeout":
			v := flagValue(args, &i, "--timeout")
			d, err := time.ParseDuration(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout %q: %v\n", v, err)
				os.Exit(1)
			}
			timeout = d
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(1)
	}

	g, err := fileio.Load(flowPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if maxWorkers > 0 {
		g.Settings.MaxParallelWorkers = maxWorkers
	}

	if bad := invalidNodes(g); len(bad) > 0 {
		for _, d := range bad {
			fmt.Fprintf(os.Stderr, "node %d: %s\n", d.NodeID, d)
		}
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "[flowfile] ", log.LstdFlags)
	store, err := cache.NewStore(cacheDir, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts := engine.Options{Store: store, Logger: logger}
	if workerURL != "" {
		opts.Remote = worker.NewClient(workerURL, logger)
	}
	f, err := engine.New(g, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	info, runErr := f.Run(ctx)
	printRunSummary(info)

	switch {
	case info != nil && info.Cancelled,
		errors.Is(runErr, engine.ErrRunCancelled),
		errors.Is(runErr, context.Canceled):
		os.Exit(130)
	case runErr != nil:
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(3)
	}
}

func validateFlow(args []string) {
	var flowPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			flowPath = flagValue(args, &i, "--flow")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(1)
	}
	g, err := fileio.Load(flowPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	bad := invalidNodes(g)
	if len(bad) == 0 {
		fmt.Printf("%s: %d nodes, ok\n", flowPath, g.Len())
		return
	}
	for _, d := range bad {
		fmt.Fprintf(os.Stderr, "node %d: %s\n", d.NodeID, d)
	}
	os.Exit(2)
}

func invalidNodes(g *model.Graph) []validate.Diagnostic {
	var out []validate.Diagnostic
	for _, id := range g.NodeIDs() {
		out = append(out, validate.CheckNode(g, id)...)
	}
	return out
}

func printRunSummary(info *engine.RunInformation) {
	if info == nil {
		return
	}
	snap := info.Snapshot()
	ids := make([]int64, 0, len(snap.NodeResults))
	for id := range snap.NodeResults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		res := snap.NodeResults[id]
		line := fmt.Sprintf("node %d (%s): %s", res.NodeID, res.Kind, res.State)
		if res.WasCached {
			line += " [cached]"
		}
		if res.Error != "" {
			line += ": " + res.Error
		}
		fmt.Println(line)
	}
	outcome := "succeeded"
	switch {
	case snap.Cancelled:
		outcome = "cancelled"
	case !snap.Success:
		outcome = "failed"
	}
	fmt.Printf("run %s %s in %s\n", snap.RunID, outcome, snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowfile-cache"
	}
	return home + "/.flowfile/cache"
}
