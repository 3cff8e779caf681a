package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/server"
)

var noWait bool

func init() {
	authURLCmd.Flags().BoolVar(&noWait, "no-wait", false, "print the consent URL and exit")
	rootCmd.AddCommand(authURLCmd)
	rootCmd.AddCommand(exportTokenCmd)
}

var authURLCmd = &cobra.Command{
	Use:   "auth-url",
	Short: "Start Google authorization from the terminal",
	Long: `Prints a Google consent URL. After approving, paste the full redirect
URL (or just its code parameter) to store the credential. Run this while
the server is stopped; a running server only sees the result after restart.`,
	RunE: runAuthURL,
}

var exportTokenCmd = &cobra.Command{
	Use:   "export-token",
	Short: "Print the stored credential as a GOOGLE_TOKEN_B64 blob",
	RunE:  runExportToken,
}

func openManager(ctx context.Context) (*google.OAuthManager, *database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := server.NewOAuthManager(cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return mgr, db, nil
}

func openStore(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func runAuthURL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mgr, db, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	consent, err := mgr.BeginAuth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), consent)
	if noWait {
		return nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "\nPaste the redirect URL or code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("no authorization code entered")
	}

	code, state := splitRedirect(strings.TrimSpace(line), consent)
	cred, err := mgr.CompleteAuth(ctx, code, state)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Authentication successful; token expires %s\n", cred.Expiry.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// splitRedirect pulls code and state from a pasted redirect URL. A bare code
// is paired with the state embedded in the consent URL.
func splitRedirect(input, consent string) (code, state string) {
	if u, err := url.Parse(input); err == nil && u.Query().Get("code") != "" {
		return u.Query().Get("code"), u.Query().Get("state")
	}
	if u, err := url.Parse(consent); err == nil {
		state = u.Query().Get("state")
	}
	return input, state
}

func runExportToken(cmd *cobra.Command, args []string) error {
	mgr, db, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	blob, err := mgr.ExportBlob()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), blob)
	return nil
}
