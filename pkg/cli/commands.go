package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/stage"
	"github.com/jacktea/dirstripe/pkg/stripe"
)

// NewEncodeCommand returns the stripe-encode command.
func NewEncodeCommand(stderr io.Writer) *cobra.Command {
	a := newApp(stderr)
	cmd := encodeCommand(a, "stripe-encode")
	a.initFlags(cmd.Flags())
	return cmd
}

// NewReconstructCommand returns the stripe-reconstruct command.
func NewReconstructCommand(stderr io.Writer) *cobra.Command {
	a := newApp(stderr)
	cmd := reconstructCommand(a, "stripe-reconstruct")
	a.initFlags(cmd.Flags())
	a.initStrictFlag(cmd.Flags())
	return cmd
}

// NewRootCommand returns the stripe command grouping encode, reconstruct,
// history and sweep.
func NewRootCommand(stderr io.Writer) *cobra.Command {
	a := newApp(stderr)
	root := &cobra.Command{
		Use:           "stripe",
		Short:         "Stripe directory trees across K-of-N erasure coded shares",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.initFlags(root.PersistentFlags())
	reconstruct := reconstructCommand(a, "reconstruct")
	a.initStrictFlag(reconstruct.Flags())
	root.AddCommand(
		encodeCommand(a, "encode"),
		reconstruct,
		historyCommand(a),
		sweepCommand(a),
	)
	return root
}

// run resolves configuration, runs fn and releases what setup opened.
func (a *app) run(fn func() error) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	return fn()
}

func encodeCommand(a *app, use string) *cobra.Command {
	var (
		input  string
		shares int
	)
	cmd := &cobra.Command{
		Use:           use + " --input DIR --shares K OUT_DIR [OUT_DIR ...]",
		Short:         "Split every file of a tree into chunks spread over the output directories",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func() error {
				paths, err := absPaths(append([]string{input}, args...))
				if err != nil {
					return err
				}
				enc, err := stripe.NewEncoder(a.options())
				if err != nil {
					return err
				}
				res, err := enc.Encode(cmd.Context(), paths[0], stripe.ShareSet{K: shares}, paths[1:], a.cfg.Force)
				if err != nil {
					if len(res.Distributed) > 0 {
						a.log.Warn("files already distributed before the failure are left in place",
							zap.Strings("files", res.Distributed))
					}
					return err
				}
				a.log.Info("encode complete",
					zap.Int("files", res.Files),
					zap.Int("chunks", res.Chunks),
					zap.Int64("bytes", res.Bytes))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "directory tree to encode")
	cmd.Flags().IntVarP(&shares, "shares", "k", 0, "number of shares needed to reconstruct")
	return cmd
}

func reconstructCommand(a *app, use string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           use + " --output DIR IN_DIR [IN_DIR ...]",
		Short:         "Rebuild a tree from the chunks found in the input directories",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func() error {
				paths, err := absPaths(append([]string{output}, args...))
				if err != nil {
					return err
				}
				dec, err := stripe.NewDecoder(a.options())
				if err != nil {
					return err
				}
				res, err := dec.Decode(cmd.Context(), paths[1:], paths[0], a.cfg.Force)
				if err != nil {
					return err
				}
				a.log.Info("reconstruct complete",
					zap.String("dest", res.Destination),
					zap.Int("files", res.Files),
					zap.Int64("bytes", res.Bytes),
					zap.Int("skipped", len(res.Skipped)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory to rebuild the tree into")
	return cmd
}

func historyCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs, or the chunk placements of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func() error {
				if a.ledger == nil {
					return fmt.Errorf("history needs --ledger")
				}
				out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer out.Flush()
				if len(args) == 1 {
					files, err := a.ledger.Files(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(out, "PATH\tSIZE\tROOT\tCHUNK")
					for _, f := range files {
						for _, p := range f.Placements {
							fmt.Fprintf(out, "%s\t%d\t%s\t%s\n", f.Path, f.Size, p.Root, p.Chunk)
						}
					}
					return nil
				}
				runs, err := a.ledger.Runs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "ID\tKIND\tSTATUS\tFILES\tBYTES\tSTARTED\tERROR")
				for _, r := range runs {
					fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						r.ID, r.Kind, r.Status, r.Files, r.Bytes, r.Started.Format(time.RFC3339), r.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list (0 for all)")
	return cmd
}

// stagingParents lists the directories runs stage in by default: the work
// dir and the parents of destinations recorded in the ledger.
func (a *app) stagingParents(ctx context.Context) ([]string, error) {
	first := a.cfg.WorkDir
	if first == "" {
		first = os.TempDir()
	}
	dirs := []string{first}
	if a.ledger == nil {
		return dirs, nil
	}
	runs, err := a.ledger.Runs(ctx, 0)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{first: true}
	for _, r := range runs {
		if r.Kind != ledger.KindDecode || r.Destination == "" {
			continue
		}
		parent := filepath.Dir(r.Destination)
		if !seen[parent] {
			seen[parent] = true
			dirs = append(dirs, parent)
		}
	}
	return dirs, nil
}

func sweepCommand(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep [DIR ...]",
		Short: "Remove staging areas left behind by interrupted runs",
		Long: `Remove staging areas left behind by interrupted runs.

Encode stages in --work-dir or the system temp dir. Reconstruct stages in
--work-dir or next to its destination. Without DIR arguments sweep looks in
--work-dir (or the temp dir) and, when --ledger is set, in the parent of
every recorded reconstruct destination. Pass DIR to sweep elsewhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func() error {
				dirs := args
				if len(dirs) == 0 {
					var err error
					if dirs, err = a.stagingParents(cmd.Context()); err != nil {
						return err
					}
				}
				dirs, err := absPaths(dirs)
				if err != nil {
					return err
				}
				removed, err := stage.NewSweeper(stage.SweepOptions{
					FS:        a.fsys,
					Dirs:      dirs,
					OlderThan: olderThan,
					Logger:    a.log,
				}).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d staging areas\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only remove staging areas older than this")
	return cmd
}
