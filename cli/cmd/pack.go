package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/cli/render"
	"github.com/pithecene-io/kitpack/gateway"
	"github.com/pithecene-io/kitpack/iox"
	"github.com/pithecene-io/kitpack/report"
	"github.com/pithecene-io/kitpack/types"
)

// PackResponse is the result of a local pack.
type PackResponse struct {
	BundleID   string               `json:"bundle_id" yaml:"bundle_id"`
	Subject    string               `json:"subject" yaml:"subject"`
	Output     string               `json:"output" yaml:"output"`
	Requested  int                  `json:"requested" yaml:"requested"`
	Included   int                  `json:"included" yaml:"included"`
	Failed     int                  `json:"failed" yaml:"failed"`
	Bytes      int64                `json:"bytes" yaml:"bytes"`
	DurationMs int64                `json:"duration_ms" yaml:"duration_ms"`
	Failures   []types.AssetFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// PackCommand returns the pack command: build one kit into a local file
// with the same pipeline the server streams.
func PackCommand() *cli.Command {
	return &cli.Command{
		Name:      "pack",
		Usage:     "Build a kit archive for a bundle into a local file",
		ArgsUsage: "<bundle-id>",
		Flags: append([]cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			CatalogFlag,
			&cli.StringSliceFlag{
				Name:    "asset",
				Aliases: []string{"a"},
				Usage:   "Asset id to include (repeatable; default all assets of the bundle)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output path (default <subject-slug>.zip)",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Concurrent fetches (overrides fetch.parallel)",
			},
			&cli.IntFlag{
				Name:  "level",
				Usage: "Deflate level 1..9 (overrides archive.level)",
			},
		}, ReadOnlyFlags()...),
		Action: packAction,
	}
}

func packAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("pack requires exactly one <bundle-id>", exitError)
	}
	bundleID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer iox.DiscardErr(svc.Close)

	bundle, refs, err := resolveBundle(ctx, svc.catalog, bundleID, c.StringSlice("asset"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	output := c.String("output")
	if output == "" {
		output = gateway.Slug(bundle.Subject) + ".zip"
	}

	started := time.Now()
	stats, err := writeKit(ctx, svc, bundle, refs, output)
	if err != nil {
		return cli.Exit(fmt.Sprintf("pack %s: %v", bundle.ID, err), exitError)
	}

	resp := PackResponse{
		BundleID:   bundle.ID,
		Subject:    bundle.Subject,
		Output:     output,
		Requested:  stats.Requested,
		Included:   stats.SuccessCount,
		Failed:     len(stats.Failures),
		Bytes:      stats.BytesWritten,
		DurationMs: time.Since(started).Milliseconds(),
		Failures:   stats.Failures,
	}
	if err := r.RenderSummary(resp, packSummary(resp)); err != nil {
		return err
	}
	if resp.Failed > 0 {
		svc.logger.Sugar().Warnf("%d of %d assets failed; see %s in %s",
			resp.Failed, resp.Requested, report.FailureReportName, output)
		return cli.Exit("", exitPartial)
	}
	return nil
}

// resolveBundle loads the bundle and its ready assets. With no ids every
// asset of the bundle is requested.
func resolveBundle(ctx context.Context, store catalog.Store, bundleID string, ids []string) (types.Bundle, []types.AssetRef, error) {
	bundle, err := store.Bundle(ctx, bundleID)
	if err != nil {
		return types.Bundle{}, nil, err
	}
	if len(ids) == 0 {
		if ids, err = store.AssetIDs(ctx, bundleID); err != nil {
			return types.Bundle{}, nil, err
		}
	}
	if err := types.ValidateAssetCount(len(ids)); err != nil {
		return types.Bundle{}, nil, err
	}
	refs, err := store.ReadyAssets(ctx, bundleID, ids)
	if err != nil {
		return types.Bundle{}, nil, err
	}
	if len(refs) == 0 {
		return types.Bundle{}, nil, fmt.Errorf("bundle %s has no ready assets among the %d requested", bundleID, len(ids))
	}
	return bundle, refs, nil
}

// writeKit runs the pipeline into a temp file next to output and renames
// it into place only when the archive was finalized.
func writeKit(ctx context.Context, svc *service, bundle types.Bundle, refs []types.AssetRef, output string) (*types.RunStats, error) {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".kitpack-*.zip.partial")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	stats, runErr := svc.pipeline.Run(ctx, bundle, refs, tmp, nil)
	closeErr := tmp.Close()
	if err := errors.Join(runErr, closeErr); err != nil {
		cleanup()
		return stats, err
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		cleanup()
		return stats, fmt.Errorf("move archive into place: %w", err)
	}
	return stats, nil
}

func packSummary(resp PackResponse) render.Summary {
	status := render.StatusComplete
	if resp.Failed > 0 {
		status = render.StatusPartial
	}
	if resp.Included == 0 {
		status = render.StatusFailed
	}

	sum := render.Summary{
		Title:  "Marketing Kit: " + resp.Subject,
		Status: status,
		Rows: []render.Row{
			{Label: "Bundle", Value: resp.BundleID},
			{Label: "Output", Value: resp.Output},
			{Label: "Included", Value: strconv.Itoa(resp.Included) + " of " + strconv.Itoa(resp.Requested)},
			{Label: "Size", Value: humanize.Bytes(uint64(max(resp.Bytes, 0)))},
			{Label: "Duration", Value: (time.Duration(resp.DurationMs) * time.Millisecond).String()},
		},
	}
	for _, f := range resp.Failures {
		name := f.DisplayName
		if name == "" {
			name = f.AssetID
		}
		sum.Notes = append(sum.Notes, name+": "+f.Error)
	}
	return sum
}
