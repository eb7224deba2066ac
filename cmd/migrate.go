/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package main provides the CLI commands for managing the postgres request store schema.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
)

func migrateCommands(t *taxgateInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrate the postgres request store",
	}

	cmd.AddCommand(migrateCommand(t, "up", migrate.Up))
	cmd.AddCommand(migrateCommand(t, "down", migrate.Down))

	return cmd
}

func migrateCommand(t *taxgateInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	cmd := &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			if t.cnf.Store.Driver != config.StoreDriverPostgres {
				log.Printf("Store driver is %q, nothing to migrate", t.cnf.Store.Driver)
				return
			}

			db, err := database.ConnectDB(t.cnf.Store.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			n, err := database.Migrate(db, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Applied %d migrations %s!\n", n, use)
		},
	}

	return cmd
}
