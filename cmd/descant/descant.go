// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
	"github.com/descant-relay/descant/server"
)

var (
	configPath string
	descant    = &cobra.Command{
		Use:   "descant",
		Short: "descant is a standalone nostr relay",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if configPath != "" {
				cfg.MustInit(configPath)
			} else {
				cfg.MustInit()
			}
			query.MustInit(cfg.Snapshot().DatabasePath)
			server.ListenAndServe(ctx, cancel)
		},
	}
)

func init() {
	descant.Flags().StringVar(&configPath, "config", "", "path to the yaml configuration file")
}

func main() {
	if err := descant.Execute(); err != nil {
		log.Panic(err)
	}
}
