package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "polieval",
		Short:         "Collect, rate, score and grade evidence about political figures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddCommand(collectCmd())
	root.AddCommand(importCmd())
	root.AddCommand(evaluateCmd())
	root.AddCommand(scoreCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(cleanCmd())
	root.AddCommand(gradeCmd())
	root.AddCommand(profilesCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func addSubjectFlags(cmd *cobra.Command, f *subjectFlags, withCategory bool) {
	cmd.Flags().StringVar(&f.id, "politician_id", "", "politician ID")
	cmd.Flags().StringVar(&f.name, "politician_name", "", "politician name (must match exactly one)")
	cmd.MarkFlagsMutuallyExclusive("politician_id", "politician_name")
	if withCategory {
		cmd.Flags().StringVar(&f.category, "category", "", "comma-separated categories (default: all ten)")
	}
}

func collectCmd() *cobra.Command {
	var sel subjectFlags

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect evidence items for one or every politician",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd, sel)
		},
	}

	addSubjectFlags(cmd, &sel, true)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import politicians, items or reviewed evaluations from JSON files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "subjects FILE",
		Short: "Import politicians",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportSubjects(cmd, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "items FILE",
		Short: "Import collected items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportItems(cmd, args[0])
		},
	})

	var ai, scale string
	evals := &cobra.Command{
		Use:   "evaluations FILE",
		Short: "Import a reviewed evaluation batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportEvaluations(cmd, args[0], ai, scale)
		},
	}
	evals.Flags().StringVar(&ai, "ai", "", "evaluator for records that do not name one")
	evals.Flags().StringVar(&scale, "rating", "", "rating scale of the batch (default: evaluate.rating)")
	cmd.AddCommand(evals)

	return cmd
}

func evaluateCmd() *cobra.Command {
	var (
		sel   subjectFlags
		ai    string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Rate items that an evaluator has not rated yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, sel, ai, limit)
		},
	}

	addSubjectFlags(cmd, &sel, true)
	cmd.Flags().StringVar(&ai, "ai", "", "comma-separated evaluators: gemini, chatgpt, claude (default: all configured)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items per category (0 = no limit)")
	return cmd
}

func scoreCmd() *cobra.Command {
	var (
		sel     subjectFlags
		ai      string
		profile string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute category scores, final scores and grades",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd, sel, ai, profile)
		},
	}

	addSubjectFlags(cmd, &sel, false)
	cmd.Flags().StringVar(&ai, "ai", "", "evaluator (default: every evaluator with ratings)")
	cmd.Flags().StringVar(&profile, "profile", "", "scoring profile, e.g. v2")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		sel       subjectFlags
		reportDir string
		noURLs    bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored items and write review reports; nothing is deleted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, sel, reportDir, noURLs)
		},
	}

	addSubjectFlags(cmd, &sel, true)
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "report directory (default: verify.report_dir)")
	cmd.Flags().BoolVar(&noURLs, "skip-url-check", false, "skip URL reachability checks")
	return cmd
}

func cleanCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clean REPORT",
		Short: "Delete the items flagged in a reviewed report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, args[0], confirm)
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually delete (default: dry run)")
	return cmd
}

func gradeCmd() *cobra.Command {
	var (
		profile string
		score   float64
	)

	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Show a profile's grade ladder or classify a final score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrade(cmd, profile, score, cmd.Flags().Changed("score"))
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "scoring profile, e.g. v2")
	cmd.Flags().Float64Var(&score, "score", 0, "final score to classify")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List scoring profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles(cmd)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		addr    string
		profile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, addr, profile)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().StringVar(&profile, "profile", "", "scoring profile (default: schedule.profile)")
	return cmd
}
