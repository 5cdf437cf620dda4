package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/jirutka/knot-resolver/base/info"
	"github.com/jirutka/knot-resolver/base/log"
	"github.com/jirutka/knot-resolver/service"
)

func run(cfg *service.Config) {
	// Start logging.
	// Note: Must be started before the instance, so that modules use the right logger.
	level := cfg.LogLevel
	if level == "" && cfg.Verbose {
		level = "debug"
	}
	if err := log.Start(level, cfg.LogToStdout, cfg.LogDir); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(4)
	}

	slog.Info("starting", "version", info.Version(), "worker", cfg.Worker.ID, "pid", os.Getpid())

	// The leading worker spawns the others. They resolve their arguments
	// like this process, so it must not have changed directories yet.
	var workers []*worker
	if cfg.Worker.ID == 0 && cfg.Forks > 1 {
		spawned, pipes, err := spawnWorkers(cfg.Forks)
		if err != nil {
			slog.Error("failed to spawn workers", "err", err)
			exit(1)
		}
		workers = spawned
		cfg.Worker.Count = cfg.Forks
		cfg.Worker.Siblings = pipes
	}

	// Relative paths in the configuration refer to the run directory.
	if err := os.Chdir(cfg.RunDir); err != nil {
		slog.Error("failed to switch to rundir", "rundir", cfg.RunDir, "err", err)
		stopWorkers(workers, 5*time.Second)
		exit(1)
	}

	instance, err := service.New(cfg)
	if err != nil {
		slog.Error("failed to create instance", "err", err)
		stopWorkers(workers, 5*time.Second)
		exit(2)
	}

	// Subscribe to signals before starting, workers may be signaled early.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(
		signalCh,
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGUSR1,
	)

	if err := instance.Start(); err != nil {
		slog.Error("failed to start", "err", err)

		// Print stack on start failure, if enabled.
		if printStackOnExit {
			printStackTo(log.GlobalWriter, "PRINTING STACK ON START FAILURE")
		}

		stopWorkers(workers, 5*time.Second)
		exit(1)
	}

	// Wait for shutdown signal.
wait:
	for {
		select {
		case <-instance.ShuttingDown():
			break wait
		case sig := <-signalCh:
			// Only print and continue to wait if SIGUSR1
			if sig == syscall.SIGUSR1 {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON REQUEST")
				continue wait
			}
			slog.Warn("received stop signal", "signal", sig)
			instance.Shutdown()
			break wait
		}
	}

	// Catch signals during shutdown.
	// Force exit after 5 interrupts.
	forceCnt := 5
	timeout := time.After(3 * time.Minute)
shutdown:
	for {
		select {
		case <-instance.ShutdownComplete():
			break shutdown
		case sig := <-signalCh:
			if sig == syscall.SIGUSR1 {
				continue shutdown
			}
			forceCnt--
			if forceCnt > 0 {
				slog.Warn("already shutting down", "signal", sig, "toForce", forceCnt)
			} else {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON FORCED EXIT")
				exit(1)
			}
		case <-timeout:
			printStackTo(log.GlobalWriter, "PRINTING STACK - TAKING TOO LONG FOR SHUTDOWN")
			exit(1)
		}
	}

	stopWorkers(workers, 10*time.Second)

	// Print stack on shutdown, if enabled.
	if printStackOnExit {
		printStackTo(log.GlobalWriter, "PRINTING STACK ON EXIT")
	}

	exit(instance.ExitCode())
}

// exit flushes the logs and exits.
func exit(code int) {
	log.Shutdown()
	os.Exit(code)
}

func printStackTo(writer io.Writer, msg string) {
	_, err := fmt.Fprintf(writer, "===== %s =====\n", msg)
	if err == nil {
		err = pprof.Lookup("goroutine").WriteTo(writer, 1)
	}
	if err != nil {
		slog.Error("failed to write stack trace", "err", err)
	}
}
