package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/invoicedocumentflow/internal/aggregator"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/notify"
	"github.com/Lllllllleong/invoicedocumentflow/internal/registry"
	"github.com/Lllllllleong/invoicedocumentflow/internal/templates"
	"github.com/urfave/cli/v2"
)

var dbFlag = &cli.StringFlag{
	Name:    "db",
	Value:   "invoiceflow.db",
	Usage:   "SQLite registry file",
	EnvVars: []string{"INVOICEFLOW_DB"},
}

func aggregateCommand() *cli.Command {
	return &cli.Command{
		Name:      "aggregate",
		Usage:     "link the invoices of an extraction result to suppliers and customers",
		ArgsUsage: "RESULT.json",
		Flags: []cli.Flag{
			dbFlag,
			&cli.StringFlag{Name: "document-id", Usage: "document id, defaults to the result file name"},
		},
		Action: aggregateAction,
	}
}

func aggregateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one extraction result file")
	}
	logger := newLogger(c)
	tuning, err := loadTuning(c)
	if err != nil {
		return err
	}

	path := c.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read extraction result: %w", err)
	}
	extraction, err := models.ParseExtractionResult(data)
	if err != nil {
		return err
	}

	documentID := c.String("document-id")
	if documentID == "" {
		documentID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	store, err := registry.OpenSQLite(c.String("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	learner := templates.NewStore(store, tuning.Templates, templates.WithLogger(logger))
	agg := aggregator.New(store, learner, notify.LogNotifier{Logger: logger}, aggregator.WithLogger(logger))

	result, err := agg.Process(c.Context, documentID, extraction)
	if err != nil {
		return err
	}
	if err := store.SaveInvoices(c.Context, result.Invoices); err != nil {
		return err
	}
	return output(c, result)
}

func templatesCommand() *cli.Command {
	return &cli.Command{
		Name:  "templates",
		Usage: "list learned extraction templates",
		Flags: []cli.Flag{dbFlag},
		Action: func(c *cli.Context) error {
			store, err := registry.OpenSQLite(c.String("db"))
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListTemplates(c.Context)
			if err != nil {
				return err
			}
			return output(c, list)
		},
	}
}

func entitiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "entities",
		Usage: "list known suppliers or customers",
		Flags: []cli.Flag{
			dbFlag,
			&cli.StringFlag{Name: "type", Value: string(models.EntitySupplier), Usage: "supplier or customer"},
		},
		Action: func(c *cli.Context) error {
			typ := models.EntityType(c.String("type"))
			if typ != models.EntitySupplier && typ != models.EntityCustomer {
				return fmt.Errorf("unknown entity type %q", typ)
			}
			store, err := registry.OpenSQLite(c.String("db"))
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListEntities(c.Context, typ)
			if err != nil {
				return err
			}
			return output(c, list)
		},
	}
}
