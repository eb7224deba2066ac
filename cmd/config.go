package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

func configCommands(t *taxgateInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := *t.cnf
			if cfg.Identity.Salt != "" {
				cfg.Identity.Salt = "********"
			}
			if cfg.Upstream.Token != "" {
				cfg.Upstream.Token = "********"
			}
			if cfg.Server.SecretKey != "" {
				cfg.Server.SecretKey = "********"
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
