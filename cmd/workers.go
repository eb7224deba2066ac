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

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/taxgate/taxgate"
	redis_db "github.com/taxgate/taxgate/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// workers consumes the retry queue and drives stuck request recovery.
type workers struct {
	t          *taxgateInstance
	server     *asynq.Server
	monitoring *http.Server
}

func newWorkers(t *taxgateInstance) (*workers, error) {
	if t.taxgate.Scheduler == nil {
		return nil, errors.New("workers need a request store; configure store.driver or redis.dns")
	}

	opt, err := redis_db.AsynqOpt(t.cnf.Redis.Dns, t.cnf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: t.cnf.Queue.Concurrency,
		Queues:      map[string]int{t.cnf.Queue.Name: 1},
		// attempt delays are scheduled explicitly; asynq only redelivers on infrastructure errors
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return t.taxgate.Scheduler.Policy().Backoff(n + 1)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task_type", task.Type()).Warn("request task will be redelivered")
		}),
		ShutdownTimeout: shutdownGrace,
	})

	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})

	return &workers{
		t:      t,
		server: srv,
		monitoring: &http.Server{
			Addr:    ":" + t.cnf.Queue.MonitoringPort,
			Handler: h,
		},
	}, nil
}

func (w *workers) processTask(ctx context.Context, task *asynq.Task) error {
	ctx, span := otel.Tracer("taxgate.requests.worker").Start(ctx, "Process Request From Redis Queue")
	defer span.End()
	return w.t.taxgate.Scheduler.ProcessTask(ctx, task)
}

// start launches the queue consumer, the monitoring UI and the recovery processor.
func (w *workers) start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taxgate.TaskTypeExecute, w.processTask)

	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("could not start worker server: %v", err)
	}

	go func() {
		log.Printf("Asynqmon server listening on %s/monitoring", w.monitoring.Addr)
		if err := w.monitoring.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()

	if recovery := w.t.taxgate.Recovery; recovery != nil && !w.t.cnf.Recovery.Disabled {
		recovery.Start(ctx)
	}
	return nil
}

func (w *workers) stop() {
	if recovery := w.t.taxgate.Recovery; recovery != nil {
		recovery.Stop()
	}
	w.server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.monitoring.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("asynqmon server did not stop cleanly")
	}
}

// workerCommands defines the "workers" command: the retry queue consumer and stuck
// request recovery without the HTTP API.
func workerCommands(t *taxgateInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start taxgate workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cleanup, err := initializeObservability(ctx, t.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer cleanup()

			w, err := newWorkers(t)
			if err != nil {
				log.Fatal(err)
			}
			if err := w.start(ctx); err != nil {
				log.Fatal(err)
			}

			<-ctx.Done()
			w.stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := t.taxgate.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("shutdown incomplete")
			}
		},
	}

	return cmd
}
