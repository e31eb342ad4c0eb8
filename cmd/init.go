package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relfs/pkg/fuse"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Long: `Initializes the database.

Creates the paths and files tables plus their indexes. The root
directory is implicit and needs no row. Safe to run more than once.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := fuse.InitializeDB(sqlDSN); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
