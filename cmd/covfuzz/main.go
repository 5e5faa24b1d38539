package main

import (
	"covfuzz/config"
	"covfuzz/internal/crash"
	"covfuzz/internal/fuzz"
	"covfuzz/internal/report"
	"covfuzz/pkg/database"
	"covfuzz/pkg/logger"
	"covfuzz/pkg/mq"
	"covfuzz/pkg/telemetry"
	"covfuzz/pkg/watchdog"
	"flag"
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [seed path]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "The seed path may be a file, a directory of seeds or a tar.gz corpus.")
		fmt.Fprintln(flag.CommandLine.Output(), "It can also be given through SEED_PATH; the target through TARGET_BINARY.")
	}
	flag.Parse()
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}

	appConfig, err := config.LoadConfig(config.Args{SeedPath: flag.Arg(0)})
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(appConfig), // inject config
		fx.Provide(
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			watchdog.NewWatchDogFactory, // inject watchdog factory
			report.NewReporter,          // inject run report
			crash.NewCrashManager,       // inject crash manager
			fx.Annotate(crash.NewGDB, fx.As(new(crash.Debugger))),
		),
		crash.SinksModule, // inject crash sinks
		fuzz.Module,       // inject and start the fuzzing loop
		fx.StopTimeout(appConfig.StopTimeout()),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
