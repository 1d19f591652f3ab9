// Package commands implements the driftchat CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"driftchat/pkg/keyring"
	"driftchat/pkg/logging"
	"driftchat/pkg/version"
)

var (
	home       string
	passphrase string
	name       string
	serverURL  string
	logLevel   string

	ring *keyring.Keyring
)

func Execute() error {
	root := &cobra.Command{
		Use:     "driftchat",
		Short:   "Ephemeral signed chat over a relay",
		Version: version.String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(logging.Options{Level: logLevel, Output: os.Stderr}); err != nil {
				return err
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".driftchat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			var err error
			ring, err = keyring.Open(filepath.Join(home, "keys.db"))
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if ring != nil {
				return ring.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.driftchat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the stored key")
	root.PersistentFlags().StringVarP(&name, "name", "n", "default", "identity name in the keyring")
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://127.0.0.1:9700/ws", "relay websocket URL")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: "+logging.LevelNames())

	root.AddCommand(initCmd(), fingerprintCmd(), listCmd(), chatCmd())
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}
