package main

import (
	"github.com/spf13/cobra"

	"outreach/internal/app"
	"outreach/internal/config"
	logx "outreach/pkg/logx"
)

type rootFlags struct {
	configPath string
	envFiles   []string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "outreachd",
		Short: "Scheduled, rate-limited outreach dispatch",
		Long: `outreachd drains a queue of outbound actions across platforms,
inside a work window and under daily, weekly and per-tick caps, and
advances conversation state from inbound replies.

Secrets can come from .env files or OUTREACH_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(f.envFiles...)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "./outreach.yaml", "path to the YAML or JSON config")
	pf.StringSliceVar(&f.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the config")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging on the console for one-shot commands")

	root.AddCommand(
		newRunCmd(f),
		newTickCmd(f),
		newPollCmd(f),
		newEnqueueCmd(f),
		newStatusCmd(f),
	)
	return root
}

// oneShot builds an app for a single command. Logs go to stderr so stdout
// stays machine readable.
func (f *rootFlags) oneShot(noPacing bool) (*app.App, error) {
	level := "warn"
	if f.verbose {
		level = "debug"
	}
	log := logx.NewWriter(logx.Stderr(), level)
	return app.New(app.Options{ConfigPath: f.configPath, NoPacing: noPacing, LogOverride: &log})
}
