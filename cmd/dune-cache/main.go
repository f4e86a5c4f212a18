// Command dune-cache is the maintenance front-end over a dune-cache store:
// trim, garbage-collect, and overhead-size, run out of process (spec.md §6).
//
// A "start" subcommand existed historically to run the trimmer as a
// long-lived daemon; daemon mode has been withdrawn (spec.md §9 REDESIGN
// FLAGS) in favor of invoking trim/garbage-collect from an external
// scheduler, so "start" is kept here only to fail loudly rather than
// silently vanish from scripts that still invoke it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	dunecache "github.com/gf3/dune-cache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "dune-cache:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: dune-cache <trim|garbage-collect|overhead-size> [flags]")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch args[0] {
	case "trim":
		return runTrim(logger, args[1:])
	case "garbage-collect":
		return runGarbageCollect(logger, args[1:])
	case "overhead-size":
		return runOverheadSize(args[1:])
	case "start":
		return errors.New("daemon mode has been withdrawn; run \"dune-cache trim\" from your own scheduler instead")
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func openStore(fs *flag.FlagSet, rootFlag *string) (*dunecache.Store, error) {
	root := *rootFlag
	if root == "" {
		var err error
		root, err = dunecache.DefaultRoot()
		if err != nil {
			return nil, err
		}
	}
	return dunecache.Open(root)
}

func runTrim(logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("trim", flag.ExitOnError)
	root := fset.String("root", "", "cache root (default: DUNE_CACHE_ROOT or XDG_CACHE_HOME/dune/db)")
	sizeLimit := fset.Int64("size-limit-bytes", -1, "trim until unused file entries total at or below this many bytes")
	freeBytes := fset.Int64("free-bytes", -1, "trim until at least this many bytes have been reclaimed")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if (*sizeLimit < 0) == (*freeBytes < 0) {
		return errors.New("exactly one of -size-limit-bytes or -free-bytes must be set")
	}

	store, err := openStore(fset, root)
	if err != nil {
		return err
	}

	var goal dunecache.Goal
	if *sizeLimit >= 0 {
		goal = dunecache.GoalSize(*sizeLimit)
	} else {
		goal = dunecache.GoalFreed(*freeBytes)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := store.Trim(ctx, goal)
	if err != nil {
		return err
	}
	logger.Info("trim finished",
		"freed_bytes", result.FreedBytes,
		"broken_metadata_removed", result.BrokenMetadataRemoved,
	)
	return nil
}

func runGarbageCollect(logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("garbage-collect", flag.ExitOnError)
	root := fset.String("root", "", "cache root (default: DUNE_CACHE_ROOT or XDG_CACHE_HOME/dune/db)")
	if err := fset.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fset, root)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := store.GarbageCollect(ctx)
	if err != nil {
		return err
	}
	logger.Info("garbage collection finished", "broken_metadata_removed", result.BrokenMetadataRemoved)
	return nil
}

func runOverheadSize(args []string) error {
	fset := flag.NewFlagSet("overhead-size", flag.ExitOnError)
	root := fset.String("root", "", "cache root (default: DUNE_CACHE_ROOT or XDG_CACHE_HOME/dune/db)")
	if err := fset.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fset, root)
	if err != nil {
		return err
	}

	overhead, err := store.OverheadSize()
	if err != nil {
		return err
	}
	for kind, size := range overhead.ByVersion {
		fmt.Printf("%s\t%d\n", kind, size)
	}
	fmt.Printf("total\t%d\n", overhead.Total)
	return nil
}
