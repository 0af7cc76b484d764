package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ChainProbe/internal/orchestrator"
)

func init() {
	rootCmd.AddCommand(runCmd, resumeCmd)

	runCmd.Flags().String("chain", "", "chain name from the chain config (default chain when empty)")
	runCmd.Flags().String("objective", "", "extra audit objective appended to the seed message")
	runCmd.Flags().String("id", "", "run id (random when empty)")

	resumeCmd.Flags().String("chain", "", "chain the run was started on")
}

var runCmd = &cobra.Command{
	Use:   "run <address>",
	Short: "Audit a deployed contract and print the final report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		if !common.IsHexAddress(target) {
			return fmt.Errorf("无效的合约地址: %s", target)
		}
		chain, _ := cmd.Flags().GetString("chain")
		objective, _ := cmd.Flags().GetString("objective")
		runID, _ := cmd.Flags().GetString("id")
		if runID == "" {
			runID = uuid.NewString()
		}

		return withEngine(cmd, chain, func(ctx context.Context, engine *orchestrator.Engine) (orchestrator.Outcome, error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s: auditing %s\n", runID, common.HexToAddress(target).Hex())
			return engine.Run(ctx, orchestrator.Request{RunID: runID, Target: target, Objective: objective})
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue an interrupted run from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _ := cmd.Flags().GetString("chain")
		return withEngine(cmd, chain, func(ctx context.Context, engine *orchestrator.Engine) (orchestrator.Outcome, error) {
			return engine.Resume(ctx, args[0])
		})
	},
}

func withEngine(cmd *cobra.Command, chain string, fn func(context.Context, *orchestrator.Engine) (orchestrator.Outcome, error)) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	engine, err := a.engine(chain)
	if err != nil {
		return err
	}
	outcome, err := fn(ctx, engine)
	if err != nil {
		if outcome.RunID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s stopped at %s after %d steps\n", outcome.RunID, outcome.Next, outcome.Steps)
		}
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s after %d steps\n", outcome.RunID, outcome.Status, outcome.Steps)
	fmt.Fprintln(cmd.OutOrStdout(), outcome.Report)
	return nil
}
