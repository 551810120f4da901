package main

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/noah-isme/faceattend-api/internal/models"
	"github.com/noah-isme/faceattend-api/internal/service"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

var enrollDirCmd = &cobra.Command{
	Use:   "enroll-dir <dir>",
	Short: "Enroll every capture found in a directory",
	Long: `Enroll identities in bulk. Each entry of <dir> is one capture named after
the identity's external reference:

  S1001.mp4        a video (mp4, mov, avi, webm, mkv, m4v)
  S1002.zip        an archive of face images
  S1003/           a folder of face images, zipped in memory

Entries whose reference matches no identity are reported and skipped.

Examples:
  faceattendctl enroll-dir ./captures
  faceattendctl enroll-dir ./captures --stop-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollDir,
}

func init() {
	rootCmd.AddCommand(enrollDirCmd)
	enrollDirCmd.Flags().Bool("stop-on-error", false, "Abort at the first failed enrollment")
	enrollDirCmd.Flags().String("actor", "", "User id recorded in the audit log")
}

var captureExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".webm": true, ".mkv": true, ".m4v": true, ".zip": true,
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

type capture struct {
	ExternalRef string
	Path        string
	IsDir       bool
}

// collectCaptures lists enrollable entries of dir in name order.
func collectCaptures(dir string) ([]capture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []capture
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			out = append(out, capture{ExternalRef: name, Path: filepath.Join(dir, name), IsDir: true})
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !captureExtensions[ext] {
			continue
		}
		out = append(out, capture{ExternalRef: strings.TrimSuffix(name, filepath.Ext(name)), Path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalRef < out[j].ExternalRef })
	return out, nil
}

// load returns the upload bytes and the filename the extractor should see.
func (c capture) load() ([]byte, string, error) {
	if !c.IsDir {
		data, err := os.ReadFile(c.Path)
		return data, filepath.Base(c.Path), err
	}
	data, err := zipImages(c.Path)
	return data, c.ExternalRef + ".zip", err
}

func zipImages(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(e.Name())
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func runEnrollDir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stopOnError, _ := cmd.Flags().GetBool("stop-on-error")
	actor, _ := cmd.Flags().GetString("actor")

	captures, err := collectCaptures(args[0])
	if err != nil {
		return err
	}
	if len(captures) == 0 {
		fmt.Println("no captures found")
		return nil
	}

	app, err := openContainer(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	if _, err := app.Verification.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("load identify index: %w", err)
	}

	bar := progressbar.NewOptions(len(captures),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("captures"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var enrolled, failed int
	var failures []string
	byKind := map[appErrors.Kind]int{}
	for _, c := range captures {
		err := enrollOne(ctx, app.Repos.Identities.FindByExternalRef, app.Enrollment, c, actor)
		_ = bar.Add(1)
		if err != nil {
			failed++
			byKind[appErrors.KindOf(err)]++
			failures = append(failures, fmt.Sprintf("%s: %v", c.ExternalRef, err))
			if stopOnError {
				break
			}
			continue
		}
		enrolled++
	}
	_ = bar.Finish()
	fmt.Println()

	fmt.Printf("enrolled %d, failed %d\n", enrolled, failed)
	for kind, n := range byKind {
		fmt.Printf("  %s errors: %d\n", kind, n)
	}
	for _, f := range failures {
		fmt.Println("  ", f)
	}
	if failed > 0 {
		return fmt.Errorf("%d captures failed", failed)
	}
	return nil
}

type identityLookup func(ctx context.Context, ref string) (*models.Identity, error)

type enroller interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*models.EnrollmentResult, error)
}

func enrollOne(ctx context.Context, lookup identityLookup, svc enroller, c capture, actor string) error {
	identity, err := lookup(ctx, c.ExternalRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no identity with external reference %q", c.ExternalRef)
		}
		return err
	}
	data, filename, err := c.load()
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	_, err = svc.Enroll(ctx, service.EnrollRequest{IdentityID: identity.ID, Filename: filename, Data: data, ActorID: actor})
	return err
}
