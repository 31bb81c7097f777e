package main

import (
	"fmt"
	"os"

	"github.com/flowfile/flowfile/internal/kernel"
	"github.com/flowfile/flowfile/internal/server"
)

func serve(args []string) {
	addr := ":8080"
	cacheDir := envDefault("FLOWFILE_CACHE_DIR", defaultCacheDir())
	workerURL := os.Getenv("FLOWFILE_WORKER_URL")
	sharedVolume := os.Getenv("FLOWFILE_SHARED_VOLUME")
	mode := envDefault("FLOWFILE_MODE", "electron")
	kernelImage := os.Getenv("FLOWFILE_KERNEL_IMAGE")
	var flowPaths []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		case "--cache-dir":
			cacheDir = flagValue(args, &i, "--cache-dir")
		case "--worker-url":
			workerURL = flagValue(args, &i, "--worker-url")
		case "--shared-volume":
			sharedVolume = flagValue(args, &i, "--shared-volume")
		case "--mode":
			mode = flagValue(args, &i, "--mode")
		case "--flow":
			flowPaths = append(flowPaths, flagValue(args, &i, "--flow"))
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg := server.Config{
		Addr:      addr,
		CacheDir:  cacheDir,
		WorkerURL: workerURL,
	}

	// Docker mode manages kernel containers; electron mode expects any
	// kernels to be registered externally and leaves script nodes to fail.
	if mode == "docker" && kernelImage != "" {
		coord := kernel.NewCoordinator(kernel.Options{
			SharedVolume: sharedVolume,
			Runner: kernel.NewDockerRunner(kernel.DockerOptions{
				Image:           kernelImage,
				Persistence:     true,
				PersistencePath: sharedVolume,
				RecoveryMode:    "lazy",
			}),
			AutoRestart: true,
		})
		coord.Register(&kernel.Kernel{ID: "default"})
		cfg.Kernels = coord
	}

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, path := range flowPaths {
		fs, err := s.Registry().Import(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "import %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "imported flow %d from %s\n", fs.ID, path)
	}
	if err := s.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
