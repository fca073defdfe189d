package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/presets"
)

var (
	runCmd = &cobra.Command{
		Use:   "run KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRun,
	}

	statusCmd = &cobra.Command{
		Use:   "status KEY",
		Short: "Print the current holders of a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	redlockCmd = &cobra.Command{
		Use:   "redlock KEY -- COMMAND [ARGS...]",
		Short: "Run a command while a majority of --endpoints grant a lock",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRedlock,
	}
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := lock.WithNewOwner(cmd.Context())
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newManager() (*lock.Manager, func(), error) {
	eps := endpoints()
	if len(eps) == 0 {
		return nil, nil, errors.New("no endpoint configured")
	}
	opts, closeBus, err := lockOptions()
	if err != nil {
		return nil, nil, err
	}
	m := presets.NewRedis(eps[0], opts...)
	return m, func() { m.Close(); closeBus() }, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	defer shutdown()
	d, err := lock.ParseDiscipline(viper.GetString("discipline"))
	if err != nil {
		return err
	}
	m, closeFn, err := newManager()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, stop := signalContext(cmd)
	defer stop()
	return hold(ctx, m.GetLock(args[0], d), args[1:])
}

func runRedlock(cmd *cobra.Command, args []string) error {
	defer shutdown()
	eps := endpoints()
	if len(eps) < 3 {
		return fmt.Errorf("red locks need at least 3 endpoints, got %d", len(eps))
	}
	opts, closeBus, err := lockOptions()
	if err != nil {
		return err
	}
	defer closeBus()
	c := presets.NewRedisCluster(eps, opts...)
	defer func() { _ = c.Close() }()

	ctx, stop := signalContext(cmd)
	defer stop()
	return hold(ctx, c.RedLock(args[0]), args[1:])
}

func runStatus(cmd *cobra.Command, args []string) error {
	defer shutdown()
	m, closeFn, err := newManager()
	if err != nil {
		return err
	}
	defer closeFn()

	rec, ok, err := m.Node().Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s: free\n", args[0])
	} else {
		fmt.Fprintf(out, "%s: %s, expires in %s\n", args[0], rec.Mode, rec.TTL)
		owners := make([]string, 0, len(rec.Holders))
		for o := range rec.Holders {
			owners = append(owners, o)
		}
		sort.Strings(owners)
		for _, o := range owners {
			fmt.Fprintf(out, "  %s x%d\n", o, rec.Holders[o])
		}
	}
	for i, o := range rec.Queue {
		fmt.Fprintf(out, "  waiting %d: %s\n", i+1, o)
	}
	return nil
}
