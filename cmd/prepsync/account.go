package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login [token]",
	GroupID: "account",
	Short:   "Sign in with an identity token",
	Long: `Sign in with the identity token issued by the web app's account page.

The token is read from the argument, from --token-file, from stdin when it
is not a terminal, or from a hidden prompt. After signing in, a sync pass
runs if a server is configured.

Examples:
  prepsync login eyJhbGciOi...
  prepsync login --token-file ~/Downloads/token.txt
  pbpaste | prepsync login`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tokenFile, _ := cmd.Flags().GetString("token-file")
		skipSync, _ := cmd.Flags().GetBool("no-sync")

		token, err := readToken(args, tokenFile)
		if err != nil {
			return err
		}

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.ids.SignIn(token)
		if err != nil {
			return err
		}
		who := id.UserID
		if id.Email != "" {
			who = id.Email
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(who))

		if skipSync || !cfg.RemoteEnabled() {
			return nil
		}
		report, err := a.client.TriggerSync(ctx, id.UserID)
		if err != nil {
			return err
		}
		fmt.Println(ui.ReportLine(report))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Sign out",
	Long: `Sign out and remove the saved token. Cached tasks stay on this device
and pending changes are published after signing in to the same account
again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		uid := a.ids.LocalUserID()
		if uid == "" {
			fmt.Println(ui.RenderMuted("Already signed out."))
			return nil
		}

		st, err := a.client.Pending(ctx, uid)
		if err != nil {
			return err
		}
		if err := a.ids.SignOut(); err != nil {
			return err
		}

		fmt.Printf("%s Signed out %s\n", ui.RenderPass("✓"), uid)
		if n := st.Pending(); n > 0 {
			fmt.Fprintf(os.Stderr, "%s %d change(s) not yet synced; they will be published after the next sign-in\n", ui.RenderWarn("⚠"), n)
		}
		return nil
	},
}

// readToken picks the sign-in token from args, a file, piped stdin or a
// prompt, in that order.
func readToken(args []string, tokenFile string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}

	if tokenFile != "" {
		// #nosec G304 - user-supplied token file
		data, err := os.ReadFile(expandUser(tokenFile))
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if interactive() {
		return tokenPrompt()
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read token from stdin: %w", err)
		}
		return "", errors.New("no token given")
	}
	return line, nil
}

func expandUser(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

func init() {
	loginCmd.Flags().String("token-file", "", "read the token from a file")
	loginCmd.Flags().Bool("no-sync", false, "do not sync after signing in")

	rootCmd.AddCommand(loginCmd, logoutCmd)
}
