package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/formwarden/formwarden/internal/event"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled        bool   // consume events from NSQ in addition to HTTP ingest
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // topic carrying NotificationEvents from change detection
	EventsChannel  string // channel name for the engine consumer
	DLQTopic       string // dead letter topic for terminal failures
	PublishDLQ     bool   // whether to publish dead letters
}

// ChannelPolicy bounds batching and throttling for one delivery channel.
type ChannelPolicy struct {
	BatchWindow      time.Duration // 0 disables batching for the channel
	BatchSizeCap     int
	ThrottleCapacity int           // tokens per throttle window
	ThrottleWindow   time.Duration // full refill duration
	CostPerItem      bool          // throttle cost proportional to batch size
}

type Retry struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

type Dispatch struct {
	Timeout       time.Duration // per-send bound; exceeding it is a transient failure
	MaxConcurrent int           // concurrent adapter invocations
	FlushInterval time.Duration // pipeline sweep cadence
}

type WebhookChannel struct {
	Secret          string // HMAC signing secret
	SignatureHeader string
	TimestampHeader string
}

type SMTPChannel struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

type Config struct {
	AppName          string
	HTTPPort         string // :8090
	StoreBackend     string // memory | postgres
	UrgencyThreshold event.Severity
	ReconcileSpec    string // cron spec for the store reconciliation sweep
	DB               DB
	NSQ              NSQ
	Channels         map[string]ChannelPolicy
	Retry            Retry
	Dispatch         Dispatch
	Webhook          WebhookChannel
	SMTP             SMTPChannel
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// channelPolicy reads the per-channel knobs with a shared env prefix, e.g.
// EMAIL_BATCH_WINDOW, WEBHOOK_THROTTLE_CAPACITY.
func channelPolicy(name string, def ChannelPolicy) ChannelPolicy {
	prefix := strings.ToUpper(name)
	return ChannelPolicy{
		BatchWindow:      getenvDuration(prefix+"_BATCH_WINDOW", def.BatchWindow),
		BatchSizeCap:     getenvInt(prefix+"_BATCH_SIZE_CAP", def.BatchSizeCap),
		ThrottleCapacity: getenvInt(prefix+"_THROTTLE_CAPACITY", def.ThrottleCapacity),
		ThrottleWindow:   getenvDuration(prefix+"_THROTTLE_WINDOW", def.ThrottleWindow),
		CostPerItem:      getenvBool(prefix+"_THROTTLE_COST_PER_ITEM", def.CostPerItem),
	}
}

func FromEnv() Config {
	return Config{
		AppName:          getenv("APP_NAME", "formwarden"),
		HTTPPort:         getenv("HTTP_PORT", ":8090"),
		StoreBackend:     getenv("STORE_BACKEND", "memory"),
		UrgencyThreshold: event.Severity(getenv("URGENCY_THRESHOLD", string(event.SeverityCritical))),
		ReconcileSpec:    getenv("RECONCILE_SPEC", "@every 1m"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "formwarden"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "form_events"),
			EventsChannel:  getenv("NSQ_EVENTS_CHANNEL", "warden"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dead"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Channels: map[string]ChannelPolicy{
			"email": channelPolicy("email", ChannelPolicy{
				BatchWindow:      2 * time.Minute,
				BatchSizeCap:     25,
				ThrottleCapacity: 20,
				ThrottleWindow:   time.Hour,
				CostPerItem:      false,
			}),
			"webhook": channelPolicy("webhook", ChannelPolicy{
				BatchWindow:      5 * time.Second,
				BatchSizeCap:     10,
				ThrottleCapacity: 60,
				ThrottleWindow:   time.Minute,
				CostPerItem:      true,
			}),
			"chat": channelPolicy("chat", ChannelPolicy{
				BatchWindow:      10 * time.Second,
				BatchSizeCap:     10,
				ThrottleCapacity: 30,
				ThrottleWindow:   time.Minute,
				CostPerItem:      false,
			}),
		},
		Retry: Retry{
			BaseDelay:   getenvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    getenvDuration("RETRY_MAX_DELAY", 10*time.Minute),
			MaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 6),
		},
		Dispatch: Dispatch{
			Timeout:       getenvDuration("DISPATCH_TIMEOUT", 15*time.Second),
			MaxConcurrent: getenvInt("DISPATCH_MAX_CONCURRENT", 16),
			FlushInterval: getenvDuration("FLUSH_INTERVAL", 250*time.Millisecond),
		},
		Webhook: WebhookChannel{
			Secret:          getenv("WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-FormWarden-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-FormWarden-Timestamp"),
		},
		SMTP: SMTPChannel{
			Host: getenv("SMTP_HOST", ""),
			Port: getenv("SMTP_PORT", "587"),
			User: getenv("SMTP_USER", ""),
			Pass: getenv("SMTP_PASS", ""),
			From: getenv("SMTP_FROM", "formwarden@localhost"),
		},
	}
}

// Policy returns the policy for a channel name, falling back to a
// conservative default for channels without explicit configuration.
func (c Config) Policy(channel string) ChannelPolicy {
	if p, ok := c.Channels[channel]; ok {
		return p
	}
	return ChannelPolicy{
		BatchWindow:      10 * time.Second,
		BatchSizeCap:     10,
		ThrottleCapacity: 30,
		ThrottleWindow:   time.Minute,
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
