// Package main is the entry point for dicombuffer-meta, the index export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dicombuffer/dicombuffer/internal/config"
	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/serialization"
)

const usage = "Usage: dicombuffer-meta <export|import> [flags]"

// resolveIndex returns the engine and directory of the index, reading the
// config file unless both are given on the command line.
func resolveIndex(configPath, engine, dir string) (string, string, error) {
	if engine != "" && dir != "" {
		return engine, dir, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", "", err
	}
	if engine == "" {
		engine = cfg.Buffer.Engine
	}
	if dir == "" {
		dir = cfg.Buffer.IndexDir
	}
	return engine, dir, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "export":
		rc := runExport(os.Args[2:])
		os.Exit(rc)
	case "import":
		rc := runImport(os.Args[2:])
		os.Exit(rc)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	engineFlag := fs.String("engine", "", "Index engine: sqlite or bolt (overrides config)")
	dirFlag := fs.String("index-dir", "", "Index directory (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names: "+strings.Join(serialization.AllTables, ","))
	fs.Parse(args)

	engine, dir, err := resolveIndex(*configPath, *engineFlag, *dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	tableList := serialization.AllTables
	if *tables != "" {
		tableList = strings.Split(*tables, ",")
		for i := range tableList {
			tableList[i] = strings.TrimSpace(tableList[i])
			if !serialization.ValidTable(tableList[i]) {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s\n", tableList[i])
				return 1
			}
		}
	}

	idx, err := index.Open(engine, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		return 1
	}
	defer idx.Close()

	result, err := serialization.ExportIndex(context.Background(), idx, &serialization.ExportOptions{
		Tables: tableList,
		Engine: engine,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
	} else {
		if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}

	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	engineFlag := fs.String("engine", "", "Index engine: sqlite or bolt (overrides config)")
	dirFlag := fs.String("index-dir", "", "Index directory (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (empty tables, then load)")
	fs.Parse(args)

	engine, dir, err := resolveIndex(*configPath, *engineFlag, *dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	var data []byte
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	idx, err := index.Open(engine, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		return 1
	}
	defer idx.Close()

	result, err := serialization.ImportIndex(context.Background(), idx, data,
		&serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		skip := result.Skipped[table]
		if !ok && skip == 0 {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}

	return 0
}
