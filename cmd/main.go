package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/server"
	"github.com/realtime-ai/wyoming-wakeword/pkg/trace"
	"github.com/realtime-ai/wyoming-wakeword/pkg/watchdog"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

const version = "0.1.0"

func main() {
	godotenv.Load()

	cli.VersionPrinter = func(c *cli.Command) {
		fmt.Printf("%s\n", c.Version)
	}

	app := &cli.Command{
		Name:    "wyoming-wakeword",
		Usage:   "Wyoming wake-word server backed by Azure keyword recognition",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "uri",
				Usage: "Listen URI (tcp://, unix://, ws:// or stdio://)",
				Value: "tcp://0.0.0.0:10400",
			},
			&cli.StringFlag{
				Name:     "model-path",
				Usage:    "Path to the Azure keyword model (.table file)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "keyword-name",
				Usage: "Wake word name reported in detection events",
				Value: "azure_wake_word",
			},
			&cli.DurationFlag{
				Name:  "rotate-interval",
				Usage: "Recognizer rotation period",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "continuous",
				Usage: "Emit detections as they occur instead of waiting for audio-stop",
			},
			&cli.IntFlag{
				Name:  "maintenance-hour",
				Usage: "Local hour for the daily preventive restart",
				Value: 2,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging and stdout trace export",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logrus.Fatalln(err)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Bool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	modelPath := c.String("model-path")
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("keyword model not found: %w", err)
	}
	keywordName := c.String("keyword-name")

	exporter := "none"
	if c.Bool("debug") {
		exporter = "stdout"
	}
	if err := trace.Initialize(ctx, &trace.Config{
		ServiceName:    "wyoming-wakeword",
		ServiceVersion: version,
		ExporterType:   exporter,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("exit requested, shutting down")
		cancel()
	}()

	// The watchdog and the maintenance window exit the whole process; the
	// surrounding deployment restarts it.
	wd := watchdog.New(watchdog.Config{
		Exit:   func(reason string) { shutdown(log, cancel, reason) },
		Logger: log,
	})
	defer wd.Stop()

	mw := &watchdog.MaintenanceWindow{
		Hour:   int(c.Int("maintenance-hour")),
		Exit:   func(reason string) { shutdown(log, cancel, reason) },
		Logger: log,
	}
	go mw.Run(ctx)

	srv := server.New(server.Config{
		URI:             c.String("uri"),
		Engine:          keyword.NewEngine(),
		ModelPath:       modelPath,
		KeywordName:     keywordName,
		Info:            buildInfo(keywordName),
		Continuous:      c.Bool("continuous"),
		RotateInterval:  c.Duration("rotate-interval"),
		OnCycleComplete: wd.Observe,
		Logger:          log,
	})

	log.WithFields(logrus.Fields{
		"uri":     c.String("uri"),
		"model":   modelPath,
		"keyword": keywordName,
	}).Info("starting wake word server")

	err := srv.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if terr := trace.Shutdown(shutdownCtx); terr != nil {
		log.WithError(terr).Warn("trace shutdown failed")
	}
	return err
}

// shutdown cancels the run context, gives in-flight sessions a moment to
// close, then terminates the process.
func shutdown(log *logrus.Entry, cancel context.CancelFunc, reason string) {
	log.WithField("reason", reason).Warn("process exit")
	cancel()
	time.Sleep(2 * time.Second)
	os.Exit(0)
}

func buildInfo(keywordName string) wyoming.Info {
	return wyoming.Info{
		Wake: []wyoming.WakeProgram{{
			Name:        "azure",
			Description: "Azure speech keyword detection",
			Attribution: wyoming.Attribution{
				Name: "Microsoft",
				URL:  "https://azure.microsoft.com/products/ai-services/speech-to-text",
			},
			Installed: true,
			Version:   version,
			Models: []wyoming.WakeModel{{
				Name:        "Microsoft Azure Keyword",
				Description: "Compiled Azure keyword model",
				Phrase:      keywordName,
				Attribution: wyoming.Attribution{
					Name: "Microsoft",
					URL:  "https://azure.microsoft.com/products/ai-services/speech-to-text",
				},
				Installed: true,
				Version:   version,
				Languages: []string{"en-US"},
			}},
		}},
	}
}
