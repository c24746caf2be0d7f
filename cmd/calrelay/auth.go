package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/source/google"
)

func newAuthCmd(gf *globalFlags) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Authorise access to a calendar source",
	}

	var (
		listen    string
		noBrowser bool
		timeout   time.Duration
	)
	googleCmd := &cobra.Command{
		Use:   "google",
		Short: "Run the Google OAuth consent flow and save the token",
		Long: `Starts a local server to receive the OAuth callback, opens the Google
consent page and writes the token to source.google.token_file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.configPath)
			if err != nil {
				return fmt.Errorf("loading config from %q: %w", gf.configPath, err)
			}
			if cfg.Source.Type != config.SourceGoogle {
				return fmt.Errorf("source.type is %q, not %q", cfg.Source.Type, config.SourceGoogle)
			}

			oauthCfg, err := google.OAuthConfig(cfg.Source.Google.CredentialsFile)
			if err != nil {
				return err
			}
			receiver, err := google.ListenForCode(oauthCfg, listen)
			if err != nil {
				return err
			}
			defer func() { _ = receiver.Close() }()

			out := cmd.OutOrStdout()
			authURL := receiver.AuthURL()
			if noBrowser || openBrowser(authURL) != nil {
				fmt.Fprintln(out, "Open this URL in your browser and authorise calrelay:")
				fmt.Fprintln(out, "")
				fmt.Fprintln(out, "  "+authURL)
				fmt.Fprintln(out, "")
			}
			fmt.Fprintf(out, "Waiting for authorization on %s ...\n", receiver.RedirectURL())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			tok, err := receiver.Wait(ctx)
			if err != nil {
				return err
			}
			if err := google.SaveToken(cfg.Source.Google.TokenFile, tok); err != nil {
				return err
			}
			fmt.Fprintf(out, "Token saved to %s\n", cfg.Source.Google.TokenFile)
			return nil
		},
	}
	googleCmd.Flags().StringVar(&listen, "listen", google.DefaultCallbackAddr, "loopback address for the OAuth callback")
	googleCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the consent URL instead of opening a browser")
	googleCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the consent")
	auth.AddCommand(googleCmd)
	return auth
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}
