package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"chapterhub/internal/auth"
	"chapterhub/pkg/utils"
)

type tokenData struct {
	Token     string    `json:"token"`
	EditorID  string    `json:"editor_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func saveToken(path string, td tokenData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("token dir: %w", err)
	}
	b, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func newTokenCommand(g *globals) *cobra.Command {
	var (
		name      string
		printOnly bool
	)
	cmd := &cobra.Command{
		Use:   "token <editor-id>",
		Short: "Mint a bearer token with the server's signing secret and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := utils.LoadConfig(g.config)
			if err != nil {
				return err
			}
			cfg := cm.Get().Auth
			if cfg.Secret == "" {
				return errors.New("auth.secret is not configured")
			}
			ts := auth.TokenService{Secret: []byte(cfg.Secret), Issuer: cfg.Issuer, Duration: cfg.TokenTTL}

			raw, exp, err := ts.Sign(args[0], name)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				return nil
			}
			if err := saveToken(g.tokenPath, tokenData{Token: raw, EditorID: args[0], ExpiresAt: exp}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token for %s saved to %s (expires %s)\n", args[0], g.tokenPath, exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name stored in the token")
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the token instead of saving it")
	return cmd
}
