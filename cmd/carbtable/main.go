// Command carbtable manages the SQLite food catalog the server can load its
// carbohydrate table from.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meal-mate/backend/internal/carbs"
	"meal-mate/backend/internal/store"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func rootCommand(out io.Writer) *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "carbtable",
		Short:         "Manage the meal-mate food catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", filepath.FromSlash("data/foods.db"), "Path to SQLite food catalog")
	root.SetOut(out)

	root.AddCommand(
		importCommand(&dbPath),
		listCommand(&dbPath),
		exportCommand(&dbPath),
	)
	return root
}

func importCommand(dbPath *string) *cobra.Command {
	var (
		file     string
		replace  bool
		defaults bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON carb table into the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && !defaults {
				return errors.New("either --file or --defaults is required")
			}
			table := carbs.Default()
			if file != "" {
				loaded, err := carbs.LoadFile(file)
				if err != nil {
					return err
				}
				table = loaded
			}

			return withDatabase(*dbPath, func(db *store.Database) error {
				start := time.Now()
				rows := carbs.ToRows(table)
				if replace {
					if err := db.ReplaceFoodCarbs(rows); err != nil {
						return fmt.Errorf("replace catalog: %w", err)
					}
				} else {
					for i := range rows {
						if err := db.UpsertFoodCarb(&rows[i]); err != nil {
							return fmt.Errorf("upsert %s: %w", rows[i].Label, err)
						}
					}
				}
				logrus.WithFields(logrus.Fields{
					"db":       *dbPath,
					"foods":    len(rows),
					"replace":  replace,
					"duration": time.Since(start).Round(time.Millisecond),
				}).Info("catalog import complete")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON object of label to grams")
	cmd.Flags().BoolVar(&replace, "replace", false, "Drop existing rows before importing")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Import the embedded default table")
	return cmd
}

func listCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(*dbPath, func(db *store.Database) error {
				rows, err := db.ListFoodCarbs()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "LABEL\tCARBS (g)")
				for _, row := range rows {
					fmt.Fprintf(w, "%s\t%g\n", row.Label, row.Carbs)
				}
				return w.Flush()
			})
		},
	}
}

func exportCommand(dbPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the catalog as a JSON carb table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(*dbPath, func(db *store.Database) error {
				table, err := carbs.FromStore(db)
				if err != nil {
					return err
				}
				entries := make(map[string]float64, table.Len())
				for _, e := range table.Entries() {
					entries[e.Label] = e.Carbs
				}
				if outPath == "" {
					return writeTable(cmd.OutOrStdout(), entries)
				}
				if err := writeTableFile(outPath, entries); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{"path": outPath, "foods": len(entries)}).Info("catalog exported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Output path (stdout when empty)")
	return cmd
}

func withDatabase(path string, fn func(db *store.Database) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := store.Open(path, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("close database")
		}
	}()
	return fn(db)
}

func writeTableFile(path string, entries map[string]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeTable(file, entries)
}

func writeTable(w io.Writer, entries map[string]float64) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
