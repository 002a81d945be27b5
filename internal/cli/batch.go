package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleet-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/internal/snapshot"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var ErrBatchExists = errors.New("batch file already exists")

func buildBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect and repair batch files",
	}
	cmd.AddCommand(buildBatchStatusCommand())
	cmd.AddCommand(buildBatchReclaimCommand())
	cmd.AddCommand(buildBatchCreateCommand())
	cmd.AddCommand(buildBatchFindCommand())
	cmd.AddCommand(buildBatchImportCommand())
	return cmd
}

func buildBatchStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <file>",
		Short: "Show unit counts per status",
		Long: `Load the batch the way a job would and report unit counts per status.
Units saved as PROCESSING are reported as STOPPED, since their worker is gone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := ledger.NewWorkBatch(args[0], nil)
			counts, err := batch.StatusCounts()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			total := 0
			fmt.Fprintf(out, "batch %s\n", args[0])
			for _, s := range types.AllWorkStatuses {
				fmt.Fprintf(out, "  %-12s %d\n", s, counts[s])
				total += counts[s]
			}
			fmt.Fprintf(out, "  %-12s %d\n", "TOTAL", total)
			if n := batch.Demoted(); n > 0 {
				fmt.Fprintf(out, "  %d units were PROCESSING when saved\n", n)
			}
			return nil
		},
	}
}

func buildBatchReclaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim <file>",
		Short: "Make STOPPED units claimable again and save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := ledger.NewWorkBatch(args[0], nil)
			if err := batch.Acquire(); err != nil {
				if errors.Is(err, snapshot.ErrLocked) {
					return fmt.Errorf("%s is held by a running job: %w", args[0], err)
				}
				return err
			}
			defer batch.Release()

			n, err := batch.ReclaimStopped()
			if err != nil {
				return err
			}
			if err := batch.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d units reclaimed\n", n)
			return nil
		},
	}
}

func buildBatchCreateCommand() *cobra.Command {
	var source, prefix string

	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a batch with one unit per line of a text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%w: %s", ErrBatchExists, args[0])
			}
			batch := ledger.NewWorkBatch(args[0], jobmanager.LineMaker(prefix, source))
			if err := batch.Acquire(); err != nil {
				return err
			}
			defer batch.Release()

			if err := batch.Save(); err != nil {
				return err
			}
			n, err := batch.NumUnits()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d units written to %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "text file, one unit payload per line")
	cmd.Flags().StringVar(&prefix, "prefix", "unit", "unit ID prefix")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func buildBatchFindCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "find <file> <unit-id>",
		Short: "Show one unit and its position in the batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := ledger.NewWorkBatch(args[0], nil)
			u, i, err := batch.Find(func(u *ledger.UnitOfWork) bool { return u.ID == args[1] })
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("unit %s not found in %s", args[1], args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d %s %q\n", i, u, u.Payload)
			return nil
		},
	}
}

func buildBatchImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file> <records>",
		Short: "Append units detached by SPLIT to a batch",
		Long: `Read the length-prefixed unit records a SPLIT reply carries (see
"command SPLIT --payload-out") and append them to a batch as INITIALIZED units.
The batch is created when it does not exist yet. Records that were already
finished when detached are skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := ledger.OpenStreamFactory(args[1], nil)
			if err != nil {
				return err
			}
			defer stream.Close()

			batch := ledger.NewWorkBatch(args[0], ledger.BatchMakerFunc(func() ([]*ledger.UnitOfWork, error) {
				return nil, nil
			}))
			if err := batch.Acquire(); err != nil {
				if errors.Is(err, snapshot.ErrLocked) {
					return fmt.Errorf("%s is held by a running job: %w", args[0], err)
				}
				return err
			}
			defer batch.Release()

			var units []*ledger.UnitOfWork
			for {
				u, err := stream.Next()
				if err != nil {
					return err
				}
				if u == nil {
					break
				}
				units = append(units, ledger.NewUnit(u.ID, u.Payload))
				if err := stream.Release(u); err != nil {
					return err
				}
			}
			if err := batch.Add(units...); err != nil {
				return err
			}
			if err := batch.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d units imported into %s\n", len(units), args[0])
			return nil
		},
	}
}
