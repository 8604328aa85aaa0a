package main

import (
	"github.com/spf13/cobra"
)

func newJobCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job with its working variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			job, err := db.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newStepsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <job-id>",
		Short: "Show the audit steps of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			// GetJob first so an unknown id reports not found
			if _, err := db.GetJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			steps, err := db.ListSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), steps)
		},
	}
}

func newRecoverCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <job-id>",
		Short: "Reconcile a timed-out job with its provider job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := e.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			job, err := e.db.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := orch.Recover(cmd.Context(), job.ID, job.OwnerID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newSweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep over stale jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := e.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			report, err := orch.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
