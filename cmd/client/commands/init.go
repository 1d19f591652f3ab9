package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a signing identity and store it encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			kp, err := ring.Create(name, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Identity %q created.\nPublic key:  %s\nFingerprint: %s\n",
				name, kp.Public.Hex(), kp.Public.Fingerprint())
			return nil
		},
	}
}
