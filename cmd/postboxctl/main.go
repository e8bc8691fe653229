package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"postbox/pkg/config"
	"postbox/pkg/logger"
	"postbox/pkg/maintenance"
	"postbox/pkg/postbox"
)

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	cmd, path, rest := os.Args[1], os.Args[2], os.Args[3:]

	opts := config.Options{Path: path}
	if err := config.Validate(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(opts.LogLevel)
	defer logger.Sync()

	ctx, cancel := setupSignalHandler(context.Background())
	defer cancel()

	var err error
	switch cmd {
	case "open":
		err = runOpen(ctx, opts)
	case "alloc-temp":
		err = runAllocTemp(ctx, opts)
	case "watch-infos":
		err = runWatchInfos(ctx, opts, rest)
	case "reclaim":
		err = runReclaim(ctx, opts)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("postboxctl_command_failed", "command", cmd, "error", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: postboxctl <open|alloc-temp|watch-infos|reclaim> <path> [args...]")
	fmt.Fprintln(os.Stderr, "  open <path>                     open the store and exit")
	fmt.Fprintln(os.Stderr, "  alloc-temp <path>                allocate a temporary account and print its id")
	fmt.Fprintln(os.Stderr, "  watch-infos <path> <namespace...> subscribe and print snapshots until interrupted")
	fmt.Fprintln(os.Stderr, "  reclaim <path>                   run one temporary-account reclamation sweep")
}

func runOpen(ctx context.Context, opts config.Options) error {
	pb, err := postbox.Open(opts)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer pb.Close()

	_, err = postbox.Transaction(ctx, pb, func(m *postbox.Modifier) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("verify writable: %w", err)
	}
	fmt.Printf("opened %s; temporary_session_id=%d\n", opts.Path, pb.TemporarySessionID())
	return nil
}

func runAllocTemp(ctx context.Context, opts config.Options) error {
	pb, err := postbox.Open(opts)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer pb.Close()

	id, err := pb.AllocatedTemporaryAccountId(ctx)
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	fmt.Printf("allocated_account_id=%d\n", id)
	return nil
}

func runReclaim(ctx context.Context, opts config.Options) error {
	pb, err := postbox.Open(opts)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer pb.Close()

	reclaimed, err := maintenance.ReclaimTemporaryAccounts(ctx, pb)
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	fmt.Printf("reclaimed=%d (%s)\n", reclaimed, humanize.Comma(int64(reclaimed)))
	return nil
}

func runWatchInfos(ctx context.Context, opts config.Options, args []string) error {
	fs := flag.NewFlagSet("watch-infos", flag.ContinueOnError)
	fs.Parse(args)
	namespaces := make([]int32, 0, len(fs.Args()))
	for _, a := range fs.Args() {
		n, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid namespace %q: %w", a, err)
		}
		namespaces = append(namespaces, int32(n))
	}
	if len(namespaces) == 0 {
		return fmt.Errorf("watch-infos requires at least one namespace argument")
	}

	pb, err := postbox.Open(opts)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer pb.Close()

	sub, err := pb.ItemCollectionInfos(ctx, namespaces)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Dispose()

	for {
		select {
		case snap := <-sub.Stream.C():
			fmt.Printf("snapshot at %s: %+v\n", time.Now().Format(time.RFC3339), snap)
		case <-ctx.Done():
			return nil
		}
	}
}

func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
