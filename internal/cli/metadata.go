package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/trustsync/internal/store"
)

// MetadataOptions holds flags for the metadata command.
type MetadataOptions struct {
	*RootOptions
	DBPath string
	All    bool // list every container, not just the configured one
}

// MetadataRow is the printed form of one persisted context.
type MetadataRow struct {
	Container     string `json:"container"`
	Context       string `json:"context"`
	PeerID        string `json:"peer_id"`
	AltDSID       string `json:"altdsid"`
	CloudState    string `json:"cloud_state"`
	TrustState    string `json:"trust_state"`
	AttemptedJoin string `json:"attempted_join"`
	CDPEnabled    bool   `json:"cdp_enabled"`
	Seq           int64  `json:"seq"`
}

// NewMetadataCommand creates the metadata command.
func NewMetadataCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetadataOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "List persisted account metadata",
		Long: `List the account metadata rows in a trustsync database.

The database defaults to the config's database path. Only rows in the
config's container are listed unless --all is given.

Examples:
  trustsync metadata --db ./trustsync.db
  trustsync metadata --db ./trustsync.db --all
  trustsync metadata --config ./trustsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetadata(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "database path (overrides config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "list rows from every container")

	return cmd
}

func runMetadata(ctx context.Context, opts *MetadataOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	path := opts.DBPath
	if path == "" {
		path = opts.Config.Database
	}
	// Open would create a missing file; listing one is a usage error.
	if _, err := os.Stat(path); err != nil {
		msg := fmt.Sprintf("database not found: %s", path)
		if f.Format == "json" {
			_ = f.Error(CodeDatabase, msg, nil)
		}
		return NewExitError(ExitCommandError, msg)
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	rows, err := st.ListMetadata(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read metadata", err)
	}
	opts.logger().Debug("listed metadata", "db", path, "rows", len(rows), "container", opts.Config.Container, "all", opts.All)

	out := make([]MetadataRow, 0, len(rows))
	for _, m := range rows {
		if !opts.All && m.Container != opts.Config.Container {
			continue
		}
		out = append(out, MetadataRow{
			Container:     m.Container,
			Context:       m.Context,
			PeerID:        m.PeerID,
			AltDSID:       m.AltDSID,
			CloudState:    m.CloudAccountState.String(),
			TrustState:    m.TrustState.String(),
			AttemptedJoin: m.AttemptedJoin.String(),
			CDPEnabled:    m.CDPEnabled,
			Seq:           m.Seq,
		})
	}

	if f.Format == "json" {
		return f.Success(out)
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintln(w, "No metadata rows.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER\tCONTEXT\tPEER\tALTDSID\tCLOUD\tTRUST\tJOIN\tCDP\tSEQ")
	for _, r := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			r.Container, r.Context, dash(r.PeerID), dash(r.AltDSID),
			r.CloudState, r.TrustState, r.AttemptedJoin, r.CDPEnabled, r.Seq)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
