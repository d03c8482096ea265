package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"herald/internal/app"
	"herald/internal/ledger"
	logx "herald/pkg/logx"
)

func newLedgerCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the shared reply ledger",
	}
	cmd.AddCommand(newLedgerListCmd(root), newLedgerCheckCmd(root))
	return cmd
}

func openLedger(root *rootOptions) (ledger.Ledger, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	lc, err := app.LedgerSettings(cfg)
	if err != nil {
		return nil, err
	}
	return ledger.Open(lc, logx.Nop())
}

func newLedgerListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List correspondents that already received the auto-reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLedger(root)
			if err != nil {
				return err
			}
			defer l.Close()

			ids, err := l.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ids)
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(out, "total: %d\n", len(ids))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as a JSON array")
	return cmd
}

func newLedgerCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <correspondent-id>",
		Short: "Report whether a correspondent already received the auto-reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(root)
			if err != nil {
				return err
			}
			defer l.Close()

			ok, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: replied\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not replied\n", args[0])
			}
			return nil
		},
	}
}
