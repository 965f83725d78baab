package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/voltmep/fieldsync/internal/engine"
	"github.com/voltmep/fieldsync/internal/models"
)

// RunStatus prints the aggregate sync state of one domain or all of them.
func RunStatus(ctx context.Context, e *engine.Engine, args []string) error {
	domains := models.AllDomains
	if len(args) > 0 {
		domains = []models.Domain{models.Domain(args[0])}
	}

	for _, domain := range domains {
		snap, err := e.Status(ctx, domain)
		if err != nil {
			return fmt.Errorf("failed to get status for %s: %w", domain, err)
		}

		lastSynced := "never"
		if !snap.LastSyncedAt.IsZero() {
			lastSynced = snap.LastSyncedAt.Local().Format("2006-01-02 15:04:05")
		}

		fmt.Printf("%-20s pending: %-3d conflicts: %-3d failed: %-3d last sync: %s\n",
			domain, snap.Pending+snap.InFlight, snap.Conflicts, snap.Failed, lastSynced)
	}

	return nil
}

// RunPending lists a domain's queued mutations.
func RunPending(ctx context.Context, e *engine.Engine, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pending <domain>")
	}

	mutations, err := e.ListPending(ctx, models.Domain(args[0]))
	if err != nil {
		return fmt.Errorf("failed to list pending mutations: %w", err)
	}

	if len(mutations) == 0 {
		fmt.Println("No pending mutations")
		return nil
	}

	for _, m := range mutations {
		fmt.Printf("%s  %-6s  %-24s  attempts: %d  created: %s\n",
			m.ID, m.Operation, m.EntityID, m.Attempts,
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}

// RunSync runs one drain cycle and prints its report.
func RunSync(ctx context.Context, e *engine.Engine) error {
	fmt.Println("Draining mutation queues...")

	report, err := e.SyncNow(ctx)
	if err != nil {
		return fmt.Errorf("drain cycle failed: %w", err)
	}

	fmt.Printf("Applied:   %d\n", report.Applied)
	fmt.Printf("Conflicts: %d\n", report.Conflicts)
	fmt.Printf("Failed:    %d\n", report.Failed)
	fmt.Printf("Requeued:  %d\n", report.Requeued)
	if !report.NextRetryAt.IsZero() {
		fmt.Printf("Next retry at %s\n", report.NextRetryAt.Local().Format("15:04:05"))
	}

	return nil
}

// RunConflicts lists a domain's conflicted mutations with both sides.
func RunConflicts(ctx context.Context, e *engine.Engine, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conflicts <domain>")
	}

	conflicts, err := e.ListConflicts(ctx, models.Domain(args[0]))
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("No conflicts")
		return nil
	}

	for _, c := range conflicts {
		fmt.Printf("Mutation %s (%s %s)\n", c.Mutation.ID, c.Mutation.Operation, c.Mutation.EntityID)
		fmt.Printf("  local:  %s\n", string(c.LocalPayload))
		if c.ServerSnapshot == nil {
			fmt.Println("  server: (deleted)")
		} else {
			fmt.Printf("  server: v%d %s\n", c.ServerSnapshot.Version, string(c.ServerSnapshot.Data))
		}
	}

	return nil
}

// RunResolve applies a user decision to one conflicted mutation.
func RunResolve(ctx context.Context, e *engine.Engine, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: resolve <mutation-id> <keep-local|keep-server|merge> [merged-payload-file]")
	}

	mutationID := args[0]

	var decision models.Resolution
	switch args[1] {
	case "keep-local":
		decision = models.ResolutionKeepLocal
	case "keep-server":
		decision = models.ResolutionKeepServer
	case "merge":
		decision = models.ResolutionMerge
	default:
		return fmt.Errorf("unknown decision %q", args[1])
	}

	var merged json.RawMessage
	if decision == models.ResolutionMerge {
		if len(args) < 3 {
			return fmt.Errorf("merge requires a merged payload file")
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read merged payload: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("merged payload is not valid JSON")
		}
		merged = data
	}

	if err := e.ResolveConflict(ctx, mutationID, decision, merged); err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	fmt.Printf("Conflict %s resolved (%s)\n", mutationID, decision)
	return nil
}

// RunGet prints the cached snapshot of an entity.
func RunGet(ctx context.Context, e *engine.Engine, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <domain> <entity-id>")
	}

	snap, err := e.CachedSnapshot(ctx, models.Domain(args[0]), args[1])
	if err != nil {
		return fmt.Errorf("failed to get snapshot: %w", err)
	}

	fmt.Printf("Entity %s (version %d, confirmed %s)\n",
		snap.EntityID, snap.Version, snap.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println(string(snap.Data))

	return nil
}
