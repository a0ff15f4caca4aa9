package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/refine"
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Remove outlier encodings from the database",
	Long: `Refine analyzes each person's encodings and removes statistical
outliers: mislabeled faces, bad detections and encodings produced with a
different model. Always preview before applying.`,
}

var refinePreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what refinement would remove without changing anything",
	RunE:  runRefinePreview,
}

var refineApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Remove outlier encodings and save the database",
	RunE:  runRefineApply,
}

var refineShapesCmd = &cobra.Command{
	Use:   "shapes",
	Short: "Remove encodings with a wrong embedding dimension",
	RunE:  runRefineShapes,
}

var refineRemoveBackendCmd = &cobra.Command{
	Use:   "remove-backend [name]",
	Short: "Purge all encodings produced by a deprecated backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefineRemoveBackend,
}

func addRefineFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "", "Filter mode: std, cluster, mahalanobis or shape")
	cmd.Flags().StringSlice("person", nil, "Limit to specific persons (repeatable)")
	cmd.Flags().Float64("std-threshold", 0, "Standard deviation multiplier (0 = default)")
	cmd.Flags().Float64("cluster-distance", 0, "Cluster membership distance (0 = default)")
	cmd.Flags().Int("cluster-min-size", 0, "Minimum cluster size (0 = default)")
	cmd.Flags().Float64("mahalanobis-threshold", 0, "Mahalanobis distance cutoff (0 = default)")
	cmd.Flags().Int("min-encodings", 0, "Skip persons with fewer encodings (0 = default)")
}

func init() {
	rootCmd.AddCommand(refineCmd)
	refineCmd.AddCommand(refinePreviewCmd, refineApplyCmd, refineShapesCmd, refineRemoveBackendCmd)

	addRefineFlags(refinePreviewCmd)
	addRefineFlags(refineApplyCmd)
	refineApplyCmd.Flags().Bool("dry-run", false, "Compute removals but do not save")
	refineShapesCmd.Flags().StringSlice("person", nil, "Limit to specific persons (repeatable)")
	refineShapesCmd.Flags().Bool("dry-run", false, "Compute removals but do not save")
	refineRemoveBackendCmd.Flags().Bool("dry-run", false, "Compute removals but do not save")
}

func refineOptions(cmd *cobra.Command) refine.Options {
	return refine.Options{
		Mode:                 refine.Mode(mustGetString(cmd, "mode")),
		Persons:              mustGetStringSlice(cmd, "person"),
		StdThreshold:         mustGetFloat64(cmd, "std-threshold"),
		ClusterDistance:      mustGetFloat64(cmd, "cluster-distance"),
		ClusterMinSize:       mustGetInt(cmd, "cluster-min-size"),
		MahalanobisThreshold: mustGetFloat64(cmd, "mahalanobis-threshold"),
		MinEncodings:         mustGetInt(cmd, "min-encodings"),
	}
}

func newRefineEngine() (*refine.Engine, error) {
	cfg := config.Load()
	log := newLogger()
	svc, err := openService(cfg, log)
	if err != nil {
		return nil, err
	}
	return refine.NewEngine(svc, newBackend(cfg), cfg.Thresholds.Refinement, log), nil
}

func runRefinePreview(cmd *cobra.Command, args []string) error {
	engine, err := newRefineEngine()
	if err != nil {
		return err
	}

	report, err := engine.Preview(refineOptions(cmd))
	if err != nil {
		return err
	}

	for _, p := range report.Preview {
		fmt.Printf("%-30s keep %3d / %3d", p.Person, p.Keep, p.Total)
		if p.Remove > 0 {
			fmt.Printf("  remove %d (%s)", p.Remove, p.Reason)
		}
		if p.Stats != nil {
			fmt.Printf("  [mean %.3f std %.3f]", p.Stats.MeanDist, p.Stats.StdDist)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d of %d persons affected\n", report.AffectedPeople, report.TotalPeople)
	return nil
}

func runRefineApply(cmd *cobra.Command, args []string) error {
	engine, err := newRefineEngine()
	if err != nil {
		return err
	}

	opts := refineOptions(cmd)
	opts.DryRun = mustGetBool(cmd, "dry-run")

	report, err := engine.Apply(opts)
	if err != nil {
		return err
	}

	for person, n := range report.ByPerson {
		fmt.Printf("%-30s removed %d\n", person, n)
	}
	if report.DryRun {
		fmt.Printf("\nDry run: %d encodings would be removed\n", report.Removed)
	} else {
		fmt.Printf("\nRemoved %d encodings\n", report.Removed)
	}
	return nil
}

func runRefineShapes(cmd *cobra.Command, args []string) error {
	engine, err := newRefineEngine()
	if err != nil {
		return err
	}

	report, err := engine.RepairShapes(mustGetStringSlice(cmd, "person"), mustGetBool(cmd, "dry-run"))
	if err != nil {
		return err
	}

	for _, r := range report.Repaired {
		fmt.Printf("%-30s kept dim %d, removed %d entries (dims %v)\n",
			r.Person, r.KeptDim, r.Removed, r.RemovedDims)
	}
	if report.DryRun {
		fmt.Printf("\nDry run: %d encodings would be removed\n", report.TotalRemoved)
	} else {
		fmt.Printf("\nRemoved %d encodings\n", report.TotalRemoved)
	}
	return nil
}

func runRefineRemoveBackend(cmd *cobra.Command, args []string) error {
	engine, err := newRefineEngine()
	if err != nil {
		return err
	}

	report, err := engine.RemoveBackend(args[0], mustGetBool(cmd, "dry-run"))
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Printf("Dry run: %d encodings from backend %q would be removed\n", report.Removed, args[0])
	} else {
		fmt.Printf("Removed %d encodings from backend %q\n", report.Removed, args[0])
	}
	return nil
}
