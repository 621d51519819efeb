// Command invoicectl runs the invoice classification and entity learning
// pipeline locally, against PDFs on disk and a SQLite registry.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Lllllllleong/invoicedocumentflow/internal/config"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "invoicectl",
		Usage: "classify invoice PDFs and learn suppliers, customers and extraction templates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with analyzer and template tuning",
				EnvVars: []string{config.EnvTuningConfig},
			},
			&cli.StringFlag{
				Name:  "format",
				Value: "json",
				Usage: "output format: json or yaml",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "only log errors",
			},
		},
		Commands: []*cli.Command{
			analyzeCommand(),
			aggregateCommand(),
			templatesCommand(),
			entitiesCommand(),
		},
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	logLevel := slog.LevelInfo
	if c.Bool("quiet") {
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: logLevel}))
}

func loadTuning(c *cli.Context) (config.Tuning, error) {
	tuning, err := config.Load(c.String("config"))
	if err != nil {
		return config.Tuning{}, fmt.Errorf("failed to load tuning config: %w", err)
	}
	return tuning, nil
}

// output writes v to the app's writer in the selected format.
func output(c *cli.Context, v any) error {
	return encode(c.App.Writer, c.String("format"), v)
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
