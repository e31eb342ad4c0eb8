package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"relfs/cmd"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
	})

	cmd.Execute()
}
