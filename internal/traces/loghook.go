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

package traces

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// LogHook forwards logrus entries to an OpenTelemetry logger so warnings and errors
// travel with the rest of the telemetry.
type LogHook struct {
	logger otellog.Logger
	levels []logrus.Level
}

// NewLogHook returns a hook that emits through the global logger provider.
func NewLogHook(name string) *LogHook {
	return NewLogHookWithProvider(global.GetLoggerProvider(), name)
}

func NewLogHookWithProvider(provider otellog.LoggerProvider, name string) *LogHook {
	return &LogHook{
		logger: provider.Logger(name),
		levels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel},
	}
}

func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *LogHook) Fire(entry *logrus.Entry) error {
	var rec otellog.Record
	rec.SetTimestamp(entry.Time)
	rec.SetBody(otellog.StringValue(entry.Message))
	rec.SetSeverity(severity(entry.Level))
	rec.SetSeverityText(entry.Level.String())
	for k, v := range entry.Data {
		rec.AddAttributes(otellog.String(k, fmt.Sprint(v)))
	}

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.logger.Emit(ctx, rec)
	return nil
}

func severity(level logrus.Level) otellog.Severity {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return otellog.SeverityFatal
	case logrus.ErrorLevel:
		return otellog.SeverityError
	case logrus.WarnLevel:
		return otellog.SeverityWarn
	case logrus.InfoLevel:
		return otellog.SeverityInfo
	case logrus.DebugLevel:
		return otellog.SeverityDebug
	default:
		return otellog.SeverityTrace
	}
}
