package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the access token",
	Long: `Sign in to the terminal service. Missing credentials are prompted for;
the password is read without echo when stdin is a terminal.

The token is stored encrypted in the local database and reused by later
commands until it expires or 'acweb logout' is run.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the token and all local session state",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted if omitted)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	username := loginUsername
	if username == "" {
		fmt.Fprint(out, "Username: ")
		line, err := in.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	password := loginPassword
	if password == "" {
		fmt.Fprint(out, "Password: ")
		p, err := readPassword(cmd, in)
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = p
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}

	a := newApp()
	if err := a.gw.Login(cmd.Context(), username, password); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in to %s as %s.\n", a.gw.BaseURL(), username)

	// Reconcile right away so sessions that ended while logged out are dropped.
	ctrl := a.sessions()
	defer a.close()
	if err := ctrl.Reconcile(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		return nil
	}
	if n := len(ctrl.Sessions()); n > 0 {
		fmt.Fprintf(out, "%d session(s) restored.\n", n)
	}
	return nil
}

func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a := newApp()
	ctrl := a.sessions()
	defer a.close()
	if err := ctrl.Logout(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}
