package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"tether/internal/agent"
	"tether/internal/config"
	"tether/internal/custody"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// errNotSignedIn is returned by "auth status --check" when no token is stored.
var errNotSignedIn = errors.New("not signed in")

var (
	authNoBrowser    bool
	authLoginTimeout time.Duration
	authOutput       string
	authCheck        bool
	authFollow       bool
)

func newAuthCmd() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the local sign-in",
		Long: `Manage the sign-in with the configured identity provider.

Tokens are stored encrypted under the configured token directory and
renewed shortly before they expire.

Examples:
  tether auth login            # Sign in through the browser
  tether auth status           # Show the stored sign-in
  tether auth token            # Print a valid access token
  tether auth logout           # Remove the token and end the provider session`,
	}

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		RunE:  runAuthLogin,
	}
	loginCmd.Flags().BoolVar(&authNoBrowser, "no-browser", false, "print the sign-in URL instead of opening a browser")
	loginCmd.Flags().DurationVar(&authLoginTimeout, "timeout", agent.CallbackTimeout, "how long to wait for the browser sign-in")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token and end the provider session",
		RunE:  runAuthLogout,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored sign-in",
		RunE:  runAuthStatus,
	}
	statusCmd.Flags().StringVarP(&authOutput, "output", "o", "table", "output format (table, json)")
	statusCmd.Flags().BoolVar(&authCheck, "check", false, "exit with code 2 when not signed in")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it when needed",
		Long: `Print a valid access token to stdout.

With --follow the command keeps running, renews the token in the
background and prints each new access token on its own line.`,
		RunE: runAuthToken,
	}
	tokenCmd.Flags().BoolVar(&authFollow, "follow", false, "keep running and print each renewed token")

	authCmd.AddCommand(loginCmd, logoutCmd, statusCmd, tokenCmd)
	return authCmd
}

// openVault builds the at-rest cipher. The platform keystore is tried first
// when preferred; both strategies stay registered so existing values remain
// readable after the preference changes.
func openVault(c config.CustodyConfig) (*custody.Vault, error) {
	software := custody.NewSoftwareStrategy(c.KeyFile)
	platform := custody.NewPlatformStrategy(c.KeyringService)
	if c.PreferKeystore {
		return custody.NewVault(platform, software)
	}
	return custody.NewVault(software, platform)
}

func newAgent(cmd *cobra.Command) (*agent.Agent, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateIdentity(); err != nil {
		return nil, err
	}

	vault, err := openVault(cfg.Custody)
	if err != nil {
		return nil, err
	}
	opts := agent.Options{
		Identity: cfg.Identity,
		TokenDir: cfg.Custody.TokenDir,
		Cipher:   vault,
		Version:  GetVersion(),
	}
	if authNoBrowser {
		opts.OpenURL = func(string) error { return nil }
	}
	return agent.New(opts)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	errOut := cmd.ErrOrStderr()
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = errOut
	s.Suffix = " Waiting for the browser sign-in..."

	opts := agent.LoginOptions{
		Timeout: authLoginTimeout,
		OnURL: func(u string) {
			fmt.Fprintf(errOut, "Open this URL to sign in:\n\n  %s\n\n", u)
			s.Start()
		},
		ReadRedirect: func(ctx context.Context) (string, error) {
			s.Stop()
			fmt.Fprint(errOut, "Paste the URL the browser was redirected to: ")
			return readLine(ctx, cmd.InOrStdin())
		},
	}

	rec, err := a.Login(cmdContext(cmd), opts)
	s.Stop()
	if err != nil {
		fmt.Fprintf(errOut, "%s %v\n", text.FgRed.Sprint("Sign-in failed:"), err)
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), text.FgGreen.Sprint("Signed in."))
	if rec.ExpiresAt != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Token expires at %s\n", rec.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Logout(cmdContext(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

// statusView is the JSON shape of "auth status".
type statusView struct {
	LoggedIn        bool       `json:"loggedIn"`
	Issuer          string     `json:"issuer"`
	Subject         string     `json:"subject,omitempty"`
	Email           string     `json:"email,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Expired         bool       `json:"expired"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Status(cmdContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch authOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(statusView{
			LoggedIn:        st.LoggedIn,
			Issuer:          st.Issuer,
			Subject:         st.Subject,
			Email:           st.Email,
			ExpiresAt:       st.ExpiresAt,
			Expired:         st.Expired,
			HasRefreshToken: st.HasRefreshToken,
		}); err != nil {
			return err
		}
	case "table", "":
		renderStatus(out, st, time.Now())
	default:
		return fmt.Errorf("unsupported output format %q", authOutput)
	}

	if authCheck && !st.LoggedIn {
		return errNotSignedIn
	}
	return nil
}

func renderStatus(out io.Writer, st *agent.Status, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)

	t.AppendRow(table.Row{"Issuer", st.Issuer})
	if !st.LoggedIn {
		t.AppendRow(table.Row{"Status", text.FgYellow.Sprint("Not signed in")})
		t.Render()
		return
	}

	switch {
	case st.Expired && st.HasRefreshToken:
		t.AppendRow(table.Row{"Status", text.FgYellow.Sprint("Expired (renews on next use)")})
	case st.Expired:
		t.AppendRow(table.Row{"Status", text.FgRed.Sprint("Expired (sign in again)")})
	default:
		t.AppendRow(table.Row{"Status", text.FgGreen.Sprint("Signed in")})
	}
	if st.Subject != "" {
		t.AppendRow(table.Row{"Subject", st.Subject})
	}
	if st.Email != "" {
		t.AppendRow(table.Row{"Email", st.Email})
	}
	if st.ExpiresAt != nil {
		expires := st.ExpiresAt.Local().Format(time.RFC1123)
		if !st.Expired {
			expires += fmt.Sprintf(" (in %s)", st.ExpiresAt.Sub(now).Round(time.Second))
		}
		t.AppendRow(table.Row{"Expires", expires})
	} else {
		t.AppendRow(table.Row{"Expires", text.FgHiBlack.Sprint("unknown")})
	}
	if st.HasRefreshToken {
		t.AppendRow(table.Row{"Refresh", text.FgGreen.Sprint("Available")})
	} else {
		t.AppendRow(table.Row{"Refresh", text.FgYellow.Sprint("Not available (sign in again on expiry)")})
	}
	t.Render()
}

func runAuthToken(cmd *cobra.Command, args []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmdContext(cmd)
	rec, err := a.Token(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.AccessToken)
	if !authFollow {
		return nil
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	last := rec.AccessToken
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rec, err := a.Token(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if rec.AccessToken != last {
				last = rec.AccessToken
				fmt.Fprintln(cmd.OutOrStdout(), last)
			}
		}
	}
}

// readLine reads one line from r, giving up when ctx ends.
func readLine(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			ch <- result{err: err}
			return
		}
		ch <- result{line: strings.TrimSpace(line)}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

