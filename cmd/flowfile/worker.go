package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/flowfile/flowfile/internal/worker"
)

func runWorker(args []string) {
	addr := ":8100"
	cacheDir := envDefault("FLOWFILE_CACHE_DIR", defaultCacheDir())
	maxConcurrent := envInt("FLOWFILE_MAX_PARALLEL_WORKERS", 4)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		case "--cache-dir":
			cacheDir = flagValue(args, &i, "--cache-dir")
		case "--max-concurrent":
			v := flagValue(args, &i, "--max-concurrent")
			fmt.Sscanf(v, "%d", &maxConcurrent)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	logger := log.New(os.Stderr, "[flowfile-worker] ", log.LstdFlags)
	s := worker.NewServer(worker.ServerOptions{
		CacheDir:      cacheDir,
		MaxConcurrent: maxConcurrent,
		Logger:        logger,
	})
	logger.Printf("worker listening on %s (slots=%d)", addr, maxConcurrent)
	if err := http.ListenAndServe(addr, s.Routes()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
