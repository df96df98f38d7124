// Copyright 2025 StrataFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stratafs/internal/config"
	"stratafs/internal/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect and maintain the durable sync state",
	Long: `Operate on the write-ahead log and outbox backing synced mounts.

These commands open the state file directly, so they require exclusive
access: stop any running StrataFS instance first.`,
}

var walStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unapplied log entries and outbox state per mount",
	Args:  cobra.NoArgs,
	RunE:  runWalStatus,
}

var walCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Prune applied log entries and settled outbox entries",
	Args:  cobra.NoArgs,
	RunE:  runWalCheckpoint,
}

var walRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a dead-letter outbox entry back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalRetry,
}

func init() {
	walCmd.AddCommand(walStatusCmd)
	walCmd.AddCommand(walCheckpointCmd)
	walCmd.AddCommand(walRetryCmd)
	rootCmd.AddCommand(walCmd)
}

// openStore loads the config and opens its state store.
func openStore() (*wal.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StateFile == "" {
		return nil, nil, fmt.Errorf("no state_file configured; no mount uses sync")
	}
	store, err := wal.Open(cfg.StateFile, wal.Options{
		BusyTimeoutMillis:   cfg.WAL.BusyTimeoutMillis,
		AutoCheckpointEvery: cfg.WAL.AutoCheckpointEvery,
		CheckpointMaxAge:    cfg.WAL.CheckpointMaxAge.Std(),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func runWalStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx, "")
	if err != nil {
		return err
	}

	fmt.Printf("State file: %s\n\n", store.Path())
	fmt.Println("WAL Status:")
	fmt.Printf("  Unapplied entries: %d\n", stats.WalUnapplied)
	fmt.Printf("  Outbox pending:    %d\n", stats.Pending)
	fmt.Printf("  Outbox processing: %d\n", stats.Processing)
	fmt.Printf("  Outbox retrying:   %d\n", stats.Retrying)
	fmt.Printf("  Outbox complete:   %d\n", stats.Complete)
	fmt.Printf("  Dead letters:      %d\n", stats.DeadLetter)

	synced := 0
	for _, m := range cfg.Mounts {
		if !m.SyncEnabled() {
			continue
		}
		synced++
		ms, err := store.Stats(ctx, m.Path)
		if err != nil {
			return err
		}
		fmt.Printf("\nMount %s (%s):\n", m.Path, m.Mode)
		fmt.Printf("  Unapplied entries: %d\n", ms.WalUnapplied)
		fmt.Printf("  Outbox pending:    %d\n", ms.Pending)
		fmt.Printf("  Dead letters:      %d\n", ms.DeadLetter)
	}
	if synced == 0 {
		fmt.Println("\nNo synced mounts configured.")
	}

	if stats.DeadLetter > 0 {
		letters, err := store.DeadLetters(ctx, 50)
		if err != nil {
			return err
		}
		fmt.Println("\nDead-letter entries:")
		for _, entry := range letters {
			cause := entry.LastError
			if cause == "" {
				cause = "none"
			}
			fmt.Printf("  [%d] %s %s%s (attempts: %d, error: %s)\n",
				entry.ID, entry.Op, entry.MountPath, "/"+entry.Path,
				entry.Attempts, cause)
		}
		fmt.Println("\nUse 'stratafs wal retry <id>' to re-queue an entry.")
	}
	return nil
}

func runWalCheckpoint(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	res, err := store.Checkpoint(cmd.Context(), cfg.WAL.CheckpointMaxAge.Std())
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint complete in %s: %d log entries pruned, %d outbox entries pruned\n",
		time.Since(start).Round(time.Millisecond), res.WalPruned, res.OutboxPruned)
	return nil
}

func runWalRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", args[0])
	}
	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RetryDeadLetter(cmd.Context(), id); err != nil {
		return fmt.Errorf("retry entry %d: %w", id, err)
	}
	fmt.Printf("Entry %d re-queued for delivery\n", id)
	return nil
}
