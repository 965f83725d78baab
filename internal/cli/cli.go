// Package cli implements the fieldsync command line shell used by field
// engineers to inspect and drive the sync engine outside the application UI.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/voltmep/fieldsync/internal/engine"
)

// Cli dispatches commands against a constructed engine.
type Cli struct {
	engine *engine.Engine
}

// New creates a CLI over the engine.
func New(e *engine.Engine) *Cli {
	return &Cli{engine: e}
}

// Run executes one command.
func (c *Cli) Run(ctx context.Context, command string, args []string) {
	switch command {
	case "status":
		if err := RunStatus(ctx, c.engine, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "pending":
		if err := RunPending(ctx, c.engine, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "sync":
		if err := RunSync(ctx, c.engine); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "conflicts":
		if err := RunConflicts(ctx, c.engine, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "resolve":
		if err := RunResolve(ctx, c.engine, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "get":
		if err := RunGet(ctx, c.engine, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		PrintUsage()
		os.Exit(1)
	}
}

// PrintUsage выводит справку по командам
func PrintUsage() {
	fmt.Println(`Usage: fieldsync [flags] <command> [args]

Commands:
  status [domain]                 show queue depth and last sync time
  pending <domain>                list mutations waiting to sync
  sync                            run one drain cycle now
  conflicts <domain>              list mutations awaiting resolution
  resolve <id> <decision> [file]  resolve a conflict:
                                  keep-local | keep-server | merge
                                  (merge reads the merged payload from file)
  get <domain> <entity-id>        print the cached entity snapshot

Flags:
  -config   path to the YAML config file
  -db       path to the local database (overrides config)
  -server   record store base URL (overrides config)
  -version  show version information`)
}
