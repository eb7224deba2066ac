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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

const (
	DEFAULT_PORT = "5001"

	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
	StoreDriverNone     = "none"
)

var ConfigStore atomic.Value

// Duration is a time.Duration that reads Go duration strings ("250ms", "2s") from
// JSON and from environment variables.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// Decode lets envconfig parse duration strings.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"TAXGATE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"TAXGATE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"TAXGATE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"TAXGATE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"TAXGATE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"TAXGATE_SERVER_PORT"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"TAXGATE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"TAXGATE_REDIS_SKIP_TLS_VERIFY"`
}

// StoreConfig selects the durable request store. An empty driver is resolved from
// the redis settings: redis when a redis DNS is present, none otherwise.
type StoreConfig struct {
	Driver    string   `json:"driver" envconfig:"TAXGATE_STORE_DRIVER"`
	Dns       string   `json:"dns" envconfig:"TAXGATE_STORE_DNS"`
	KeyPrefix string   `json:"key_prefix" envconfig:"TAXGATE_STORE_KEY_PREFIX"`
	RecordTTL Duration `json:"record_ttl" envconfig:"TAXGATE_STORE_RECORD_TTL"`
}

type DispatchConfig struct {
	SyncThreshold Duration `json:"sync_threshold" envconfig:"TAXGATE_DISPATCH_SYNC_THRESHOLD"`
	SafetyMargin  Duration `json:"safety_margin" envconfig:"TAXGATE_DISPATCH_SAFETY_MARGIN"`
	DefaultWait   Duration `json:"default_wait" envconfig:"TAXGATE_DISPATCH_DEFAULT_WAIT"`
}

type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" envconfig:"TAXGATE_RETRY_MAX_ATTEMPTS"`
	BaseDelay      Duration `json:"base_delay" envconfig:"TAXGATE_RETRY_BASE_DELAY"`
	MaxDelay       Duration `json:"max_delay" envconfig:"TAXGATE_RETRY_MAX_DELAY"`
	AttemptTimeout Duration `json:"attempt_timeout" envconfig:"TAXGATE_RETRY_ATTEMPT_TIMEOUT"`
}

type QueueConfig struct {
	Name            string `json:"name" envconfig:"TAXGATE_QUEUE_NAME"`
	Concurrency     int    `json:"concurrency" envconfig:"TAXGATE_QUEUE_CONCURRENCY"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"TAXGATE_QUEUE_MONITORING_PORT"`
	DeliveryRetries int    `json:"delivery_retries" envconfig:"TAXGATE_QUEUE_DELIVERY_RETRIES"`
}

type RecoveryConfig struct {
	Disabled       bool     `json:"disabled" envconfig:"TAXGATE_RECOVERY_DISABLED"`
	PollInterval   Duration `json:"poll_interval" envconfig:"TAXGATE_RECOVERY_POLL_INTERVAL"`
	StuckThreshold Duration `json:"stuck_threshold" envconfig:"TAXGATE_RECOVERY_STUCK_THRESHOLD"`
	BatchSize      int      `json:"batch_size" envconfig:"TAXGATE_RECOVERY_BATCH_SIZE"`
	MaxWorkers     int      `json:"max_workers" envconfig:"TAXGATE_RECOVERY_MAX_WORKERS"`
}

type IdentityConfig struct {
	Salt string `json:"salt" envconfig:"TAXGATE_IDENTITY_SALT"`
}

type UpstreamConfig struct {
	BaseURL string   `json:"base_url" envconfig:"TAXGATE_UPSTREAM_BASE_URL"`
	Timeout Duration `json:"timeout" envconfig:"TAXGATE_UPSTREAM_TIMEOUT"`
	Token   string   `json:"token" envconfig:"TAXGATE_UPSTREAM_TOKEN"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TAXGATE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TAXGATE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TAXGATE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"TAXGATE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string          `json:"project_name" envconfig:"TAXGATE_PROJECT_NAME"`
	EnableTelemetry bool            `json:"enable_telemetry" envconfig:"TAXGATE_ENABLE_TELEMETRY"`
	Server          ServerConfig    `json:"server"`
	Redis           RedisConfig     `json:"redis"`
	Store           StoreConfig     `json:"store"`
	Dispatch        DispatchConfig  `json:"dispatch"`
	Retry           RetryConfig     `json:"retry"`
	Queue           QueueConfig     `json:"queue"`
	Recovery        RecoveryConfig  `json:"recovery"`
	Identity        IdentityConfig  `json:"identity"`
	Upstream        UpstreamConfig  `json:"upstream"`
	RateLimit       RateLimitConfig `json:"rate_limit"`
	Notification    Notification    `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("taxgate", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called taxgate.json with your config")
	}
	return c, nil
}

// StoreEnabled reports whether a durable request store is configured. When it is
// not, dispatch degrades to unpersisted synchronous execution.
func (cnf *Configuration) StoreEnabled() bool {
	return cnf.Store.Driver != StoreDriverNone
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Taxgate"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Store.Dns = strings.TrimSpace(cnf.Store.Dns)
	cnf.Store.Driver = strings.ToLower(strings.TrimSpace(cnf.Store.Driver))

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Store.Driver == "" {
		if cnf.Redis.Dns == "" {
			cnf.Store.Driver = StoreDriverNone
		} else {
			cnf.Store.Driver = StoreDriverRedis
		}
	}

	switch cnf.Store.Driver {
	case StoreDriverNone:
		log.Println("Warning: no request store configured. Requests will run synchronously without persistence.")
	case StoreDriverRedis:
		if cnf.Redis.Dns == "" {
			return errors.New("redis DNS is required for the redis store")
		}
	case StoreDriverPostgres:
		if cnf.Store.Dns == "" {
			return errors.New("store DNS is required for the postgres store")
		}
		if cnf.Redis.Dns == "" {
			return errors.New("redis DNS is required for the retry queue")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cnf.Store.Driver)
	}

	if cnf.StoreEnabled() && len(cnf.Identity.Salt) < 16 {
		return errors.New("identity salt of at least 16 characters is required when a store is configured")
	}

	if cnf.Store.KeyPrefix == "" {
		cnf.Store.KeyPrefix = "asyncreq"
	}
	if cnf.Store.RecordTTL <= 0 {
		cnf.Store.RecordTTL = Duration(72 * time.Hour)
	}

	if cnf.Dispatch.SyncThreshold <= 0 {
		cnf.Dispatch.SyncThreshold = Duration(2 * time.Second)
	}
	if cnf.Dispatch.SafetyMargin < 0 {
		return errors.New("dispatch safety margin cannot be negative")
	}
	if cnf.Dispatch.SafetyMargin == 0 {
		cnf.Dispatch.SafetyMargin = Duration(250 * time.Millisecond)
	}
	if cnf.Dispatch.DefaultWait <= 0 {
		cnf.Dispatch.DefaultWait = Duration(10 * time.Second)
	}

	if cnf.Retry.MaxAttempts <= 0 {
		cnf.Retry.MaxAttempts = 5
	}
	if cnf.Retry.BaseDelay <= 0 {
		cnf.Retry.BaseDelay = Duration(2 * time.Second)
	}
	if cnf.Retry.MaxDelay <= 0 {
		cnf.Retry.MaxDelay = Duration(5 * time.Minute)
	}
	if cnf.Retry.MaxDelay < cnf.Retry.BaseDelay {
		return errors.New("retry max delay must not be smaller than the base delay")
	}
	if cnf.Retry.AttemptTimeout <= 0 {
		cnf.Retry.AttemptTimeout = Duration(60 * time.Second)
	}

	if cnf.Queue.Name == "" {
		cnf.Queue.Name = "taxgate:requests"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
	if cnf.Queue.DeliveryRetries <= 0 {
		cnf.Queue.DeliveryRetries = 10
	}

	if cnf.Recovery.PollInterval <= 0 {
		cnf.Recovery.PollInterval = Duration(30 * time.Second)
	}
	if cnf.Recovery.StuckThreshold <= 0 {
		cnf.Recovery.StuckThreshold = Duration(15 * time.Minute)
	}
	// A stuck threshold shorter than one attempt would re-drive attempts that are still running.
	if cnf.Recovery.StuckThreshold < cnf.Retry.AttemptTimeout {
		cnf.Recovery.StuckThreshold = cnf.Retry.AttemptTimeout + cnf.Retry.MaxDelay
	}
	if cnf.Recovery.MaxWorkers <= 0 {
		cnf.Recovery.MaxWorkers = 10
	}
	if cnf.Recovery.BatchSize <= 0 {
		cnf.Recovery.BatchSize = cnf.Recovery.MaxWorkers * 100
	}

	if cnf.Upstream.Timeout <= 0 {
		cnf.Upstream.Timeout = Duration(30 * time.Second)
	}
	cnf.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Upstream.BaseURL), "/")

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		cnf.RateLimit.Burst = ptr.Int(2 * int(*cnf.RateLimit.RequestsPerSecond))
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", *cnf.RateLimit.Burst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		cnf.RateLimit.RequestsPerSecond = ptr.Float64(float64(*cnf.RateLimit.Burst) / 2)
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", *cnf.RateLimit.RequestsPerSecond)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cnf.RateLimit.CleanupIntervalSec = ptr.Int(10800) // 3 hours
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// Defaults returns a configuration with every default applied, useful for tests
// and for callers that assemble the service programmatically.
func Defaults() *Configuration {
	cnf := &Configuration{Store: StoreConfig{Driver: StoreDriverNone}}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
