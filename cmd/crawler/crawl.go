package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"feed-crawler/internal/crawler"
	"feed-crawler/pkg/types"
)

var (
	wantedExtra int
	incremental bool
	summaryOnly bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl <account>",
	Short: "Run one crawl for an account",
	Long: `Run one crawl for an account and print the batch result as JSON.

An incremental crawl skips posts already stored for the account. Without
--incremental every discovered post is refetched and its stored row refreshed.`,
	Example: `  # Fetch up to 20 posts not yet stored
  crawler crawl acme --wanted 20 --incremental

  # Refresh the 10 most recent posts and print only the counts
  crawler crawl acme --wanted 10 --summary`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().IntVarP(&wantedExtra, "wanted", "n", 10, "number of posts to collect")
	crawlCmd.Flags().BoolVarP(&incremental, "incremental", "i", false, "skip posts already stored")
	crawlCmd.Flags().BoolVar(&summaryOnly, "summary", false, "print collected and elapsed only")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	a, ctx, stop, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer stop()

	req := types.CrawlRequest{
		Account:     strings.TrimPrefix(strings.TrimSpace(args[0]), "@"),
		WantedExtra: wantedExtra,
		Incremental: incremental,
	}

	result, err := a.Crawler.Crawl(ctx, req)
	if result != nil {
		if summaryOnly {
			fmt.Fprintf(cmd.OutOrStdout(), "collected=%d elapsed_ms=%d task=%s\n", result.Collected, result.ElapsedMs, result.TaskID)
		} else {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
		}
	}

	if errors.Is(err, crawler.ErrFatal) {
		fmt.Fprintln(os.Stderr, "Session or browser unusable, check the session blob with check-session")
	}
	return err
}
