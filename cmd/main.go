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

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taxgate/taxgate"
	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/internal/notification"
	"github.com/taxgate/taxgate/internal/observability"
	"github.com/taxgate/taxgate/internal/upstream"
	"github.com/taxgate/taxgate/internal/vat"
)

// Taxgate represents the CLI application, encapsulating the root Cobra command.
type Taxgate struct {
	cmd *cobra.Command
}

// taxgateInstance holds what every subcommand shares once the configuration is loaded.
type taxgateInstance struct {
	taxgate    *taxgate.Taxgate
	cnf        *config.Configuration
	gateway    *upstream.Client
	metrics    *observability.Metrics
	metricsAPI http.Handler
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and assembles the service before any command runs.
func preRun(app *taxgateInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		if err := setupTaxgate(app, cnf); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupTaxgate builds the upstream client, registers the VAT units and connects the
// configured store, queue and redis.
func setupTaxgate(app *taxgateInstance, cfg *config.Configuration) error {
	metrics, handler, err := observability.NewPrometheusMetrics()
	if err != nil {
		return fmt.Errorf("error creating metrics: %v", err)
	}

	gateway := upstream.NewClient(cfg.Upstream)
	registry := taxgate.NewRegistry()
	vat.Register(registry, gateway)

	tg, err := taxgate.NewTaxgate(cfg, registry, metrics)
	if err != nil {
		return fmt.Errorf("error creating taxgate: %v", err)
	}

	app.taxgate = tg
	app.cnf = cfg
	app.gateway = gateway
	app.metrics = metrics
	app.metricsAPI = handler
	return nil
}

// NewCLI creates the root command and its subcommands.
func NewCLI() *Taxgate {
	var configFile string
	t := &taxgateInstance{}

	var rootCmd = &cobra.Command{
		Use:   "taxgate",
		Short: "Asynchronous gateway for VAT submissions",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./taxgate.json", "Configuration file for taxgate")
	rootCmd.PersistentPreRunE = preRun(t, &configFile)

	rootCmd.AddCommand(serverCommands(t))
	rootCmd.AddCommand(workerCommands(t))
	rootCmd.AddCommand(migrateCommands(t))
	rootCmd.AddCommand(configCommands(t))

	return &Taxgate{cmd: rootCmd}
}

func (w Taxgate) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
