package main

import (
	"fmt"

	"github.com/boutiques/bosh/internal/zenodo"
	"github.com/spf13/cobra"
)

// DefaultSearchLimit is the default number of records listed.
const DefaultSearchLimit = 10

// SearchTitleMaxLen is used in human search output.
const SearchTitleMaxLen = 70

var (
	searchSandbox bool
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search published records on Zenodo",
	Long: `Search published Zenodo records by title.

Examples:
  bosh search "Example Boutiques Tool"
  bosh search fsl --sandbox --limit 5 --human`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().BoolVar(&searchSandbox, "sandbox", false, "Search the Zenodo sandbox instead of production")
	searchCmd.Flags().IntVar(&searchLimit, "limit", DefaultSearchLimit, "Maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	client := newZenodoClient(newLogger(cmd.ErrOrStderr(), verbose), searchSandbox, zenodo.WithPageSize(searchLimit))

	results := []SearchResult{}
	for rec, err := range client.SearchByTitle(cmd.Context(), args[0]) {
		if err != nil {
			return fmt.Errorf("searching Zenodo: %w", err)
		}
		results = append(results, SearchResult{
			ID:    zenodo.FormatID(rec.ID),
			DOI:   rec.DOI,
			Title: rec.Title(),
			URL:   rec.Links.HTML,
		})
		if len(results) == searchLimit {
			break
		}
	}

	out := cmd.OutOrStdout()
	if !humanOutput {
		return outputJSON(out, results)
	}
	if len(results) == 0 {
		outputHuman(out, "No records found.\n")
		return nil
	}
	for _, r := range results {
		outputHuman(out, "%-16s %-28s %s\n", r.ID, r.DOI, truncateString(r.Title, SearchTitleMaxLen))
	}
	return nil
}
