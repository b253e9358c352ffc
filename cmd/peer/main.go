package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	cmd := newRootCmd()
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("peer failed")
		os.Exit(1)
	}
}
