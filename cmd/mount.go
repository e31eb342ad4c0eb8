package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relfs/pkg/fuse"
)

// mountCmd represents the mount command
//
// Mounts the fuse fs after verification
var mountCmd = &cobra.Command{
	Use:   "mount [flags] MOUNTPOINT",
	Short: "Mount the FUSE fs",
	Long: `Mounts the FUSE fs.

Ensures the schema exists, verifies the stored invariants, and serves
kernel requests until unmounted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := fuse.MountFS(sqlDSN, args[0]); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}
