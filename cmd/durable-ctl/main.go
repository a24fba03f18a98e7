// Durable CLI — инструмент командной строки для работы с очередями задач.
//
// Использование:
//
//	durable-ctl [--db-url URL] [--rabbitmq-url URL] [--json] task <subcommand> [flags]
//
// Команды:
//
//	task  Управление activity и workflow задачами
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/durable/internal/cli"
	"github.com/shaiso/durable/internal/config"
	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/repo"
	"github.com/shaiso/durable/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	defaults := config.Default()

	var dbURL, mqURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "durable-ctl",
		Short:         "Durable CLI — inspect and drive task queues",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", envOr("DB_URL", defaults.DBURL), "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&mqURL, "rabbitmq-url", envOr("RABBITMQ_URL", defaults.RabbitMQURL), "RabbitMQ URL (empty disables the broker)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	depsFn := func(ctx context.Context) (*cli.Deps, error) {
		return connect(ctx, dbURL, mqURL)
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(cli.NewTaskCmd(depsFn, outputFn))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// connect подключается к БД и, если указан URL, к RabbitMQ. Недоступный
// брокер не ошибка: задачи найдут polling'ом.
func connect(ctx context.Context, dbURL, mqURL string) (*cli.Deps, error) {
	pool, err := repo.NewPool(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	tasks := repo.NewTaskRepo(pool)

	deps := &cli.Deps{Store: tasks}
	closers := []func(){pool.Close}

	clientCfg := connection.Config{Store: tasks, Logger: telemetry.DiscardLogger()}

	if mqURL != "" {
		conn, err := mq.NewConnection(mqURL, telemetry.DiscardLogger())
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: RabbitMQ not available:", err)
		} else {
			publisher := mq.NewPublisher(conn, telemetry.DiscardLogger())
			if err := mq.SetupTopology(ctx, conn); err != nil {
				fmt.Fprintln(os.Stderr, "Warning: failed to setup topology:", err)
			}

			deps.Conn = conn
			deps.Publisher = publisher
			clientCfg.Publisher = publisher
			closers = append(closers, func() { conn.Close() })
		}
	}

	deps.Client = connection.New(clientCfg)
	deps.Close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return deps, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
