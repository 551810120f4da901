package main

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/noah-isme/faceattend-api/internal/biometric"
	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/service"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the pgvector column from stored templates",
	Long: `Decode every active template and rewrite its pgvector copy, which backs
IDENTIFY_INDEX=pgvector. Templates that fail to decode are reported and left
untouched.

Examples:
  faceattendctl reindex
  faceattendctl reindex --dry-run`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
	reindexCmd.Flags().Bool("dry-run", false, "Only decode and count templates")
}

type templateSource interface {
	ForEachActive(ctx context.Context, excludeIdentity string, fn func(models.ActiveEmbedding) error) error
	SetVector(ctx context.Context, identityID string, vec []float32) error
}

type reindexResult struct {
	Updated   int
	Broken    []string
	Dimension map[int]int
}

func reindex(ctx context.Context, src templateSource, dryRun bool, progress func()) (*reindexResult, error) {
	type pending struct {
		id  string
		vec []float32
	}
	res := &reindexResult{Dimension: map[int]int{}}
	var todo []pending
	err := src.ForEachActive(ctx, "", func(row models.ActiveEmbedding) error {
		vec, err := biometric.Decode(row.Embedding)
		if err != nil {
			res.Broken = append(res.Broken, row.IdentityID)
			return nil
		}
		res.Dimension[len(vec)]++
		todo = append(todo, pending{id: row.IdentityID, vec: vec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Writes happen after the scan so the cursor is not held across updates.
	for _, p := range todo {
		if !dryRun {
			if err := src.SetVector(ctx, p.id, p.vec); err != nil {
				return res, err
			}
		}
		res.Updated++
		if progress != nil {
			progress()
		}
	}
	return res, nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	app, err := openContainer(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Reindexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("templates"),
		progressbar.OptionShowIts(),
	)
	res, err := reindex(ctx, app.Repos.Enrollments, dryRun, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	verb := "updated"
	if dryRun {
		verb = "decoded"
	} else if err := app.Cache.Invalidate(ctx, service.CacheKeyEnrollmentPattern); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "cache invalidation failed:", err)
	}
	fmt.Printf("%s %d templates\n", verb, res.Updated)
	for dim, n := range res.Dimension {
		fmt.Printf("  dimension %d: %d\n", dim, n)
	}
	for _, id := range res.Broken {
		fmt.Println("  undecodable template for identity", id)
	}
	return nil
}
