package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/imaging"
	"github.com/kozaktomas/faceid/internal/match"
)

var searchCmd = &cobra.Command{
	Use:   "search [image]",
	Short: "Find the people most similar to the faces in an image",
	Long: `Search detects faces in an image and looks up the nearest stored
encodings, without committing anything to the database.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().Int("limit", 5, "Neighbors to show per face")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := newLogger()

	svc, err := openService(cfg, log)
	if err != nil {
		return err
	}
	db, err := svc.Database()
	if err != nil {
		return err
	}

	b := newBackend(cfg)

	img, err := imaging.LoadImage(args[0])
	if err != nil {
		return fmt.Errorf("loading image: %w", err)
	}
	scaled := imaging.ScaleToFit(img, cfg.Pipeline.MidsamplePx)

	_, encodings, err := b.DetectFaces(cmd.Context(), scaled, cfg.Pipeline.DetectionModel, 0)
	if err != nil {
		return fmt.Errorf("detecting faces: %w", err)
	}
	if len(encodings) == 0 {
		fmt.Println("No faces found")
		return nil
	}

	index := match.NewIndex()
	index.Build(db, b)
	if index.Count() == 0 {
		fmt.Println("Database has no encodings for this backend")
		return nil
	}

	limit := mustGetInt(cmd, "limit")
	for i, enc := range encodings {
		fmt.Printf("Face #%d:\n", i+1)

		neighbors, err := index.Search(b.NormalizeEncoding(enc), limit, b)
		if err != nil {
			return err
		}
		for _, n := range neighbors {
			name := n.Face.Person
			if name == "" {
				name = "(ignored)"
			}
			fmt.Printf("  %-30s distance %.4f", name, n.Distance)
			if n.Face.SourceFile != "" {
				fmt.Printf("  from %s", n.Face.SourceFile)
			}
			fmt.Println()
		}
	}
	return nil
}
