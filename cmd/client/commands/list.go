package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := ring.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No identities. Run \"driftchat init\" first.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%-16s %s  (created %s)\n", e.Name, e.Public.Hex(), e.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}
}
