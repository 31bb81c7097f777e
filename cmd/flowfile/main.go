package main

import (
	"fmt"
	"os"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlow(os.Args[2:])
	case "validate":
		validateFlow(os.Args[2:])
	case "serve":
		serve(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowfile run --flow <file.yaml> [--cache-dir <dir>] [--worker-url <url>] [--max-workers <n>] [--timeout <dur>]")
	fmt.Fprintln(os.Stderr, "  flowfile validate --flow <file.yaml>")
	fmt.Fprintln(os.Stderr, "  flowfile serve [--addr :8080] [--cache-dir <dir>] [--worker-url <url>] [--flow <file.yaml>]...")
	fmt.Fprintln(os.Stderr, "  flowfile worker [--addr :8100] [--cache-dir <dir>] [--max-concurrent <n>]")
}

// envDefault reads an environment variable with a fallback.
func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		fmt.Fprintf(os.Stderr, "ignoring %s=%q: not a positive integer\n", key, v)
		return def
	}
	return n
}

// flagValue consumes the value of a --flag at position i, exiting on a
// missing value.
func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}
