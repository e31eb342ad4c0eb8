package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relfs/pkg/fuse"
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:     "verify",
	Aliases: []string{"fsck"},
	Short:   "Verify the filesystem stored in the database",
	Long: `Verifies the filesystem stored in the database.

Checks the structural invariants: every referenced file row exists,
link counts match the number of referencing names, stored sizes match
the content, and every parent is a directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := fuse.VerifyDB(sqlDSN); err != nil {
			log.Fatal(err)
		}

		fmt.Println("DB check finished successfully")
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
