package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pysugar/accountsd/internal/ipc"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			providers, err := c.ListProviders()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCAPABILITIES")
			for _, p := range providers {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.DisplayName, strings.Join(p.Capabilities, ","))
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
