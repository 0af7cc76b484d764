package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ChainProbe/sdk/go/chainprobe"
)

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, runsCmd)

	submitCmd.Flags().String("chain", "", "chain name (server default when empty)")
	submitCmd.Flags().String("objective", "", "extra audit objective")
	submitCmd.Flags().String("id", "", "run id (server generated when empty)")
	submitCmd.Flags().Bool("wait", false, "poll until the run finishes and print its report")
	submitCmd.Flags().Duration("interval", 2*time.Second, "poll interval used with --wait")

	statusCmd.Flags().Bool("report", false, "print the final report instead of the run record")

	runsCmd.Flags().StringSlice("status", nil, "filter by status (pending, running, succeeded, failed)")
	runsCmd.Flags().String("chain", "", "filter by chain name")
	runsCmd.Flags().String("target", "", "filter by contract address")
	runsCmd.Flags().StringP("query", "q", "", "free-text search over id, objective, errors and reports")
	runsCmd.Flags().Int("limit", 20, "page size")
}

func sdkClient(cmd *cobra.Command) (*chainprobe.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("CHAINPROBE_TOKEN")
	}
	client, err := chainprobe.NewClient(server, nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	return client, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <address>",
	Short: "Queue an audit run on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := sdkClient(cmd)
		if err != nil {
			return err
		}
		chain, _ := cmd.Flags().GetString("chain")
		objective, _ := cmd.Flags().GetString("objective")
		id, _ := cmd.Flags().GetString("id")

		run, err := client.SubmitRun(cmd.Context(), chainprobe.Submission{ID: id, Target: args[0], Chain: chain, Objective: objective})
		if err != nil {
			return err
		}
		if wait, _ := cmd.Flags().GetBool("wait"); !wait {
			return printJSON(cmd, run)
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s queued, waiting\n", run.ID)
		run, err = client.WaitRun(cmd.Context(), run.ID, interval)
		if err != nil {
			return err
		}
		if run.Result == nil {
			return fmt.Errorf("run %s failed: %s %s", run.ID, run.ErrorCode, run.LastError)
		}
		fmt.Fprintln(cmd.OutOrStdout(), run.Result.Report)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a queued run or its report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := sdkClient(cmd)
		if err != nil {
			return err
		}
		if showReport, _ := cmd.Flags().GetBool("report"); showReport {
			rep, err := client.GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rep.Content)
			return nil
		}
		run, err := client.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List queued runs on a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := sdkClient(cmd)
		if err != nil {
			return err
		}
		var opts chainprobe.ListOptions
		opts.Status, _ = cmd.Flags().GetStringSlice("status")
		opts.Chain, _ = cmd.Flags().GetString("chain")
		opts.Target, _ = cmd.Flags().GetString("target")
		opts.Query, _ = cmd.Flags().GetString("query")
		opts.Limit, _ = cmd.Flags().GetInt("limit")

		runs, err := client.ListRuns(cmd.Context(), opts)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, run := range runs {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", run.ID, run.Status, run.Chain, run.Target)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
