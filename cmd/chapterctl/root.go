package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const defaultBaseURL = "http://localhost:8080"

type globals struct {
	apiURL    string
	editor    string
	tokenPath string
	config    string
	jsonOut   bool
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chapterhub", "token")
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "chapterctl",
		Short:         "Parse, import and edit chapter listings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	apiDefault := defaultBaseURL
	if v := strings.TrimSpace(os.Getenv("CHAPTERHUB_API")); v != "" {
		apiDefault = v
	}

	root.PersistentFlags().StringVar(&g.apiURL, "api", apiDefault, "API base URL")
	root.PersistentFlags().StringVar(&g.editor, "editor", os.Getenv("CHAPTERHUB_EDITOR"), "Editor id sent as X-Editor-ID when no token is saved")
	root.PersistentFlags().StringVar(&g.tokenPath, "token-file", defaultTokenPath(), "Token file path")
	root.PersistentFlags().StringVarP(&g.config, "config", "c", "", "Configuration file path (token signing)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print raw JSON")

	root.AddCommand(newParseCommand(g))
	root.AddCommand(newImportCommand(g))
	root.AddCommand(newGetCommand(g))
	root.AddCommand(newLeaseCommand(g))
	root.AddCommand(newExportCommand(g))
	root.AddCommand(newWatchCommand(g))
	root.AddCommand(newTokenCommand(g))
	return root
}
