package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
	"github.com/mirkobrombin/go-dlock/v1/presets"
	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

// errNotAcquired is returned when --wait elapsed with the lock still busy.
var errNotAcquired = errors.New("lock not acquired")

var rootCmd = &cobra.Command{
	Use:   "dlock",
	Short: "run commands under a distributed lock",
	Long: `dlock coordinates processes through locks stored in Redis.

Every flag can also be set through a DLOCK_ environment variable
(DLOCK_ENDPOINTS, DLOCK_LEASE, ...) or a .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// teardown holds the cleanup registered by setup.
var teardown []func()

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("endpoints", "localhost:6379", "comma separated Redis addresses; several enable red locks")
	f.String("password", "", "Redis password")
	f.Int("db", 0, "Redis database")
	f.String("discipline", "reentrant", "lock discipline (reentrant, fair, read, write)")
	f.Duration("lease", 0, "lease of the lock; 0 holds it until the command exits")
	f.Duration("wait", 0, "how long to wait for the lock; 0 waits forever")
	f.String("bus", "redis", "release notification bus (redis, nats, kafka)")
	f.String("nats-url", nats.DefaultURL, "NATS server URL for --bus nats")
	f.String("kafka-brokers", "localhost:9092", "comma separated Kafka brokers for --bus kafka")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Bool("trace", false, "print OpenTelemetry spans to stdout")

	rootCmd.AddCommand(runCmd, statusCmd, redlockCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if viper.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		teardown = append(teardown, func() { _ = tp.Shutdown(context.Background()) })
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		teardown = append(teardown, func() { _ = srv.Close() })
	}
	return nil
}

func shutdown() {
	for i := len(teardown) - 1; i >= 0; i-- {
		teardown[i]()
	}
	teardown = nil
}

func endpoints() []presets.RedisOptions {
	var opts []presets.RedisOptions
	for _, addr := range strings.Split(viper.GetString("endpoints"), ",") {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		opts = append(opts, presets.RedisOptions{
			Addr:     addr,
			Password: viper.GetString("password"),
			DB:       viper.GetInt("db"),
		})
	}
	return opts
}

// lockOptions builds the manager options from the flags. The returned
// function releases the bus connection.
func lockOptions() ([]lock.Option, func(), error) {
	opts := []lock.Option{lock.WithLogger(slog.Default())}
	switch bus := viper.GetString("bus"); bus {
	case "redis", "":
		return opts, func() {}, nil
	case "nats":
		nc, err := nats.Connect(viper.GetString("nats-url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return append(opts, lock.WithBus(syncbus.NewNATSBus(nc))), nc.Close, nil
	case "kafka":
		brokers := strings.Split(viper.GetString("kafka-brokers"), ",")
		kb, err := syncbus.NewKafkaBus(brokers, syncbus.DefaultKafkaTopic, sarama.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		return append(opts, lock.WithBus(kb)), kb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus %q", bus)
	}
}

// hold acquires l, runs argv and releases l.
func hold(ctx context.Context, l lock.Lock, argv []string) error {
	lease := viper.GetDuration("lease")
	if wait := viper.GetDuration("wait"); wait > 0 {
		ok, err := l.TryLock(ctx, wait, lease)
		if err != nil {
			return err
		}
		if !ok {
			return errNotAcquired
		}
	} else if err := l.Lock(ctx, lease); err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Printf("unlock %s: %v", l.Name(), err)
		}
	}()

	start := time.Now()
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	err := c.Run()
	slog.Debug("dlock: command finished", "lock", l.Name(), "elapsed", time.Since(start))
	return err
}

// exitCode maps an error to the process exit status. Failures of the
// wrapped command keep their own status.
func exitCode(err error) int {
	var ee *exec.ExitError
	switch {
	case errors.As(err, &ee):
		return ee.ExitCode()
	case errors.Is(err, errNotAcquired):
		return 3
	default:
		return 1
	}
}
