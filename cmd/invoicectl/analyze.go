package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/invoicedocumentflow/internal/pdfanalysis"
	"github.com/urfave/cli/v2"
)

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "recommend a processing strategy for each PDF",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-pages", Value: pdfanalysis.DefaultOptions().MaxPages, Usage: "pages to read per document"},
			&cli.BoolFlag{Name: "no-tables", Usage: "skip table detection"},
			&cli.BoolFlag{Name: "no-language", Usage: "skip language detection"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "documents analyzed at once"},
		},
		Action: analyzeAction,
	}
}

func analyzeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("no PDF files given")
	}
	logger := newLogger(c)
	tuning, err := loadTuning(c)
	if err != nil {
		return err
	}

	opts := pdfanalysis.Options{
		MaxPages:       c.Int("max-pages"),
		DetectTables:   !c.Bool("no-tables"),
		DetectLanguage: !c.Bool("no-language"),
	}

	inputs := make([]pdfanalysis.Input, 0, c.NArg())
	var unreadable []pdfanalysis.BatchResult
	for _, path := range c.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("Failed to read PDF", "file", path, "error", err)
			unreadable = append(unreadable, pdfanalysis.BatchResult{
				Name:   filepath.Base(path),
				Result: pdfanalysis.Result{Error: err.Error()},
			})
			continue
		}
		inputs = append(inputs, pdfanalysis.Input{Name: filepath.Base(path), Data: data})
	}

	analyzer := pdfanalysis.New(tuning.Analyzer, pdfanalysis.WithLogger(logger))
	results, err := analyzer.AnalyzeBatch(c.Context, inputs, opts, c.Int("concurrency"))
	if err != nil {
		return err
	}
	logger.Info("Analysis complete.", "documents", len(results), "unreadable", len(unreadable))
	return output(c, append(results, unreadable...))
}
