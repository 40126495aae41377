package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pysugar/accountsd/internal/ipc"
	"github.com/spf13/cobra"
)

// withClient dials the daemon and runs fn, closing the connection after.
func withClient(fn func(*ipc.Client) error) error {
	client, err := ipc.Connect()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			accounts, err := c.ListAccounts()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tEMAIL\tSTATUS")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Provider, a.DisplayName, a.Email, accountStatus(a))
			}
			return w.Flush()
		})
	},
}

func accountStatus(a ipc.AccountInfo) string {
	switch {
	case !a.Enabled:
		return "disabled"
	case a.NeedsReauth:
		return "needs re-authentication"
	default:
		return "ok"
	}
}

var addCmd = &cobra.Command{
	Use:   "add <provider>",
	Short: "Add an account",
	Long: `Starts an authentication flow for the given provider. Open the printed
URL in a browser; the daemon finishes the flow when the provider
redirects back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			sessionID, authURL, err := c.AddAccount(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
			fmt.Printf("Session %s expires in 5 minutes. Cancel with:\n  accountsd cancel %s\n", sessionID, sessionID)
			return nil
		})
	},
}

var reauthCmd = &cobra.Command{
	Use:   "reauth <account-id>",
	Short: "Re-authenticate an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			sessionID, authURL, err := c.Reauthenticate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Open this URL in your browser to sign in again:\n\n  %s\n\nSession: %s\n", authURL, sessionID)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a pending authentication flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			return c.CancelAuthentication(args[0])
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove an account and its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			if err := c.RemoveAccount(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <account-id>",
	Short: "Refresh an account's token now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			if err := c.RefreshAccount(args[0]); err != nil {
				return err
			}
			fmt.Printf("Refreshed %s\n", args[0])
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Enable an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			return c.SetAccountEnabled(args[0], true)
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Disable an account without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			return c.SetAccountEnabled(args[0], false)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <account-id>",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			a, err := c.GetAccount(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:           %s\n", a.ID)
			fmt.Printf("Provider:     %s\n", a.Provider)
			fmt.Printf("Name:         %s\n", a.DisplayName)
			fmt.Printf("Username:     %s\n", a.Username)
			fmt.Printf("Email:        %s\n", a.Email)
			fmt.Printf("Status:       %s\n", accountStatus(a))
			fmt.Printf("Capabilities: %v\n", a.Capabilities)
			fmt.Printf("Created:      %s\n", time.Unix(a.CreatedAt, 0).Format(time.RFC3339))
			if a.LastUsedAt > 0 {
				fmt.Printf("Last used:    %s\n", time.Unix(a.LastUsedAt, 0).Format(time.RFC3339))
			}
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <account-id>",
	Short: "Print a valid access token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ipc.Client) error {
			token, err := c.GetAccessToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd, addCmd, reauthCmd, cancelCmd, removeCmd, refreshCmd, enableCmd, disableCmd, showCmd, tokenCmd)
}
