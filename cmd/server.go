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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taxgate/taxgate/api"
	"github.com/taxgate/taxgate/config"
	trace "github.com/taxgate/taxgate/internal/traces"
)

// shutdownGrace bounds how long in-flight requests and detached attempts get on exit.
const shutdownGrace = 30 * time.Second

/*
newTLSServer builds an HTTPS server whose certificates are managed by CertMagic.
If no domain is specified, the server will default to running on localhost.
*/
func newTLSServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(ctx context.Context, client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Enqueue(posthog.Capture{
					DistinctId: heartbeatID,
					Event:      "server_heartbeat",
					Properties: map[string]interface{}{
						"timestamp": time.Now().UTC(),
					},
				}); err != nil {
					log.Printf("Failed to send heartbeat: %v", err)
				}
			}
		}
	}()
}

func initializeTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	logrus.AddHook(trace.NewLogHook(serviceName))
	return shutdown, nil
}

func initializePostHog(ctx context.Context) posthog.Client {
	client, err := posthog.NewWithConfig("phc_XbsHF5iBSnPiTA96gl7xygazrwBa0r2Ut4vEHoBHNiG",
		posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		log.Printf("PostHog disabled: %v", err)
		return nil
	}
	sendHeartbeat(ctx, client, uuid.New().String())
	return client
}

// initializeObservability starts tracing and the usage heartbeat when telemetry is on.
// The returned cleanup is always safe to call.
func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(), error) {
	if !cfg.EnableTelemetry {
		return func() {}, nil
	}

	shutdown, err := initializeTracing(ctx, cfg.ProjectName)
	if err != nil {
		return nil, err
	}
	phClient := initializePostHog(ctx)

	return func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		if phClient != nil {
			_ = phClient.Close()
		}
	}, nil
}

func newServer(ctx context.Context, router *gin.Engine, cfg config.ServerConfig) (*http.Server, error) {
	if cfg.SSL {
		return newTLSServer(ctx, router, cfg)
	}
	return &http.Server{Addr: ":" + cfg.Port, Handler: router}, nil
}

// serve runs srv until ctx is cancelled, then drains it.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			log.Printf("Starting HTTPS server on %s", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting server on http://localhost%s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

/*
serverCommands returns the command that starts the HTTP API. With --with-workers the
same process also consumes the retry queue and runs stuck request recovery.
*/
func serverCommands(t *taxgateInstance) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start taxgate server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cleanup, err := initializeObservability(ctx, t.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer cleanup()

			var w *workers
			if withWorkers {
				w, err = newWorkers(t)
				if err != nil {
					log.Fatal(err)
				}
				if err := w.start(ctx); err != nil {
					log.Fatal(err)
				}
			}

			router := api.NewAPI(t.taxgate, t.gateway, t.metricsAPI).Router()
			srv, err := newServer(ctx, router, t.cnf.Server)
			if err != nil {
				log.Fatal(err)
			}

			if err := serve(ctx, srv); err != nil {
				logrus.WithError(err).Error("server stopped")
			}
			if w != nil {
				w.stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := t.taxgate.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("shutdown incomplete")
			}
		},
	}

	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run the retry queue workers in this process")
	return cmd
}
