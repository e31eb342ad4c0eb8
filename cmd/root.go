package cmd

import (
	"os"
	"reflect"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relfs/pkg/fuse"
	"relfs/pkg/sqlutils"
)

var sqlBackend string
var sqlDSN string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:              "relfs",
	Short:            "FUSE fs persisted in a relational database",
	PersistentPreRun: setFuseBackendFromFlag,
	Long: `A FUSE filesystem whose whole state — directory tree, file
metadata, contents and symlinks — lives in two tables of a relational
database.

Works with sqlite (the default; one database file, in-place blob I/O),
mysql and postgres.`,
}

// set fuse backend from flag
func setFuseBackendFromFlag(cmd *cobra.Command, args []string) {
	newBackend, ok := sqlutils.AvailableBackends[sqlBackend]
	if !ok {
		log.Fatalf("Unknown backend `%s`. Available backends: %s",
			sqlBackend,
			reflect.ValueOf(sqlutils.AvailableBackends).MapKeys())
	}

	fuse.Backend = newBackend()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&sqlBackend, "backend", "b", "sqlite", "SQL backend to use [sqlite|mysql|postgres]")
	rootCmd.PersistentFlags().StringVarP(&sqlDSN, "db", "d", "fs.db", "The database file (sqlite) or DSN (mysql/postgres)")
}
