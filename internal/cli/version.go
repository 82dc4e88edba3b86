package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

func init() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the memoryd version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("memoryd", Version)
		},
	}
	RootCmd.AddCommand(cmd)
}
