package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "storytime",
		Short: "Track developmental stages and daily story generation quotas",
		Long: `storytime keeps a child's (or pregnancy's) profile in step with the
calendar and gates story generation on a daily, tier-based quota.

Settings are read from STORYTIME_* environment variables, optionally seeded
from .env files. Flags override both.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are skipped)")
	flags.StringVarP(&a.accountID, "account", "a", "", "account the command acts on")
	flags.StringVar(&a.overrides.Backend, "backend", "", "storage backend: badger, memory, redis, postgres, firestore, tiered")
	flags.StringVar(&a.overrides.BadgerPath, "badger-path", "", "badger database directory")
	flags.StringVar(&a.overrides.Timezone, "timezone", "", "zone calendar days are compared in")
	flags.StringVar(&a.overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&a.overrides.LogFormat, "log-format", "", "console or json")

	root.AddCommand(
		newOnboardCmd(a),
		newProfileCmd(a),
		newProgressCmd(a),
		newStatusCmd(a),
		newGenerateCmd(a),
		newModelCmd(a),
		newTierCmd(a),
		newServeCmd(a),
	)
	return root
}
