package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/app"
	"github.com/JakeFAU/permit-crawler/internal/listing"
)

type scrapeOptions struct {
	url         string
	maxPages    int
	useExport   bool
	exportURL   string
	skipEnqueue bool
}

func newScrapeCmd() *cobra.Command {
	var opts scrapeOptions
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape the permit listing and store normalized records",
		Long: `Fetches the permit listing (following pagination up to --max-pages),
normalizes every row, merges it into the record store and enqueues a parse job
for each permit that has none yet. With --export the bulk CSV/XLSX download linked from the
listing is read as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runScrape(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "listing URL (defaults to listing.url)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "pages to follow (defaults to listing.max_pages)")
	cmd.Flags().BoolVar(&opts.useExport, "export", false, "also read the bulk export linked from the listing")
	cmd.Flags().StringVar(&opts.exportURL, "export-url", "", "read this bulk export instead of the listing")
	cmd.Flags().BoolVar(&opts.skipEnqueue, "no-enqueue", false, "store records without creating parse jobs")
	return cmd
}

func runScrape(cmd *cobra.Command, a *app.App, opts scrapeOptions) error {
	ctx := cmd.Context()
	if opts.url == "" {
		opts.url = a.Config.Listing.URL
	}
	if opts.maxPages <= 0 {
		opts.maxPages = a.Config.Listing.MaxPages
	}

	var results []listing.Result
	if opts.exportURL != "" {
		results = append(results, a.Scraper.ReadExport(ctx, opts.exportURL))
	} else {
		if opts.url == "" {
			return errors.New("no listing URL: pass --url or set listing.url")
		}
		page := a.Scraper.ExtractAll(ctx, opts.url, opts.maxPages)
		results = append(results, page)
		if opts.useExport && page.ExportURL != "" {
			results = append(results, a.Scraper.ReadExport(ctx, page.ExportURL))
		}
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Warning != "" {
			a.Logger.Warn("scrape warning", zap.String("source", r.SourceURL), zap.String("warning", r.Warning))
			fmt.Fprintf(out, "warning (%s): %s\n", r.SourceURL, r.Warning)
		}
		stored, queued, err := storeResult(ctx, a, r, !opts.skipEnqueue)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d records stored, %d jobs enqueued\n", r.SourceURL, stored, queued)
	}
	return nil
}

func storeResult(ctx context.Context, a *app.App, r listing.Result, enqueue bool) (int, int, error) {
	stored, queued := 0, 0
	for _, rec := range r.Records {
		key := rec.Key()
		if key == "" {
			continue
		}
		if err := a.Records.Upsert(ctx, rec); err != nil {
			return stored, queued, fmt.Errorf("store permit %s: %w", key, err)
		}
		stored++
		if !enqueue {
			continue
		}
		job, created, err := a.Worker.EnqueueNew(key)
		if err != nil {
			return stored, queued, err
		}
		if !created {
			a.Logger.Debug("job already tracked",
				zap.String("status_no", key),
				zap.String("state", job.State.String()),
			)
			continue
		}
		queued++
	}
	return stored, queued, nil
}
