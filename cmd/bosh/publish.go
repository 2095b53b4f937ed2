package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/boutiques/bosh/internal/config"
	"github.com/boutiques/bosh/internal/publish"
	"github.com/boutiques/bosh/internal/zenodo"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	publishSandbox bool
	publishToken   string
	publishID      string
	publishReplace bool
	publishYes     bool
)

// stdinIsTerminal reports whether confirmation can be asked interactively.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var publishCmd = &cobra.Command{
	Use:   "publish <descriptor>",
	Short: "Publish a descriptor to Zenodo",
	Long: `Publish a Boutiques descriptor to Zenodo and write the DOI into it.

A descriptor without a DOI is published as a new record, unless a record
with the same title already exists, in which case a new version of that
record is published. A descriptor that already has a DOI is only
republished with --replace (new version of the record named by the DOI)
or --id (new version of the given record).

A token passed with --zenodo-token is cached after it has been accepted,
so later runs can omit it.

Examples:
  bosh publish tool.json --sandbox --zenodo-token $TOKEN
  bosh publish tool.json --replace -y
  bosh publish tool.json --id zenodo.1234567`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishSandbox, "sandbox", false, "Publish to the Zenodo sandbox instead of production")
	publishCmd.Flags().StringVar(&publishToken, "zenodo-token", "", "Zenodo access token (cached after successful use)")
	publishCmd.Flags().StringVar(&publishID, "id", "", "Publish a new version of this record (zenodo.<id>)")
	publishCmd.Flags().BoolVar(&publishReplace, "replace", false, "Publish a new version of the record named by the descriptor's DOI")
	publishCmd.Flags().BoolVarP(&publishYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	opts := []publish.Option{
		publish.WithTokenStore(config.NewTokenStore()),
		publish.WithLogger(logger),
	}
	if !publishYes {
		opts = append(opts, publish.WithConfirm(confirmPrompt(cmd.InOrStdin(), cmd.ErrOrStderr())))
	}
	pub := publish.New(connector(logger), opts...)

	req := publish.Request{
		Sandbox:    publishSandbox,
		Replace:    publishReplace,
		ExplicitID: publishID,
		Token:      publishToken,
	}
	res, err := pub.Publish(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if humanOutput {
		outputHuman(out, "%s\n", res.DOI)
		return nil
	}
	resp := PublishResponse{
		DOI:         res.DOI,
		PreviousDOI: res.PreviousDOI,
		DepositID:   res.DepositID,
		Action:      res.Intent.Action.String(),
		Path:        args[0],
	}
	if res.Intent.Action == publish.ActionNewVersion {
		resp.BaseID = zenodo.FormatID(res.Intent.BaseID)
		resp.Source = string(res.Intent.Source)
	}
	return outputJSON(out, resp)
}

// connector builds Zenodo clients for the publisher.
func connector(logger *slog.Logger) publish.ConnectFunc {
	return func(token string, sandbox bool) publish.Registry {
		return newZenodoClient(logger, sandbox, zenodo.WithToken(token))
	}
}

func newZenodoClient(logger *slog.Logger, sandbox bool, opts ...zenodo.ClientOption) *zenodo.Client {
	base := []zenodo.ClientOption{
		zenodo.WithSandbox(sandbox),
		zenodo.WithLogger(logger),
	}
	if zenodoURL != "" {
		base = append(base, zenodo.WithBaseURL(zenodoURL))
	}
	return zenodo.NewClient(append(base, opts...)...)
}

// confirmPrompt asks on the terminal before anything is published.
func confirmPrompt(in io.Reader, out io.Writer) publish.ConfirmFunc {
	return func(intent publish.Intent) (bool, error) {
		if !stdinIsTerminal() {
			return false, errors.New("confirmation needed but stdin is not a terminal; pass -y")
		}
		fmt.Fprintf(out, "About to %s. Publishing cannot be undone. Continue? [Y/n] ", intent)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("reading confirmation: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
