// internal/config/normalize.go
package config

import "strings"

// Defaults applied by Normalize.
const (
	DefaultTimeoutMs        = 1000
	DefaultOnChangePollMs   = 100
	DefaultStatusIntervalMs = 5000

	DefaultWatchPath          = "/ws"
	DefaultWatchWindowMs      = 100
	DefaultWatchIntervalMs    = 500
	DefaultWatchResumeGraceMs = 60000
	DefaultWatchPingMs        = 30000

	DefaultLoggingFileTimeMs = 60000
	DefaultLoggingWindowMs   = 1000
	DefaultLoggingCycleMs    = 1000
	DefaultLoggingRetryMs    = 5000
	DefaultLoggingBucket     = "default"
	DefaultRelaySubject      = "tagbridge.lines"

	DefaultSerialRetryMs = 1000
	DefaultSerialBaud    = 9600
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	for ci := range cfg.Controllers {
		c := &cfg.Controllers[ci]
		if c.TimeoutMs <= 0 {
			c.TimeoutMs = DefaultTimeoutMs
		}
		if c.OnChangePollMs <= 0 {
			c.OnChangePollMs = DefaultOnChangePollMs
		}
	}

	if cfg.Broker.StatusIntervalMs <= 0 {
		cfg.Broker.StatusIntervalMs = DefaultStatusIntervalMs
	}

	// ---- watch ----
	w := &cfg.Watch
	if w.Path == "" {
		w.Path = DefaultWatchPath
	}
	if w.WindowMs <= 0 {
		w.WindowMs = DefaultWatchWindowMs
	}
	if w.DefaultIntervalMs <= 0 {
		w.DefaultIntervalMs = DefaultWatchIntervalMs
	}
	if w.ResumeGraceMs <= 0 {
		w.ResumeGraceMs = DefaultWatchResumeGraceMs
	}
	if w.PingIntervalMs <= 0 {
		w.PingIntervalMs = DefaultWatchPingMs
	}

	// ---- logging ----
	l := &cfg.Logging
	if l.FileTimeMs <= 0 {
		l.FileTimeMs = DefaultLoggingFileTimeMs
	}
	if l.WindowMs <= 0 {
		l.WindowMs = DefaultLoggingWindowMs
	}
	if l.CycleMs <= 0 {
		l.CycleMs = DefaultLoggingCycleMs
	}
	if l.RetryMs <= 0 {
		l.RetryMs = DefaultLoggingRetryMs
	}
	if l.Bucket == "" {
		l.Bucket = DefaultLoggingBucket
	}
	if l.Relay != nil && l.Relay.Subject == "" {
		l.Relay.Subject = DefaultRelaySubject
	}

	// ---- serial ----
	for si := range cfg.Serial {
		s := &cfg.Serial[si]
		if s.RetryMs <= 0 {
			s.RetryMs = DefaultSerialRetryMs
		}
		if s.Port.BaudRate <= 0 {
			s.Port.BaudRate = DefaultSerialBaud
		}
		if s.Port.DataBits <= 0 {
			s.Port.DataBits = 8
		}
		if s.Port.StopBits <= 0 {
			s.Port.StopBits = 1
		}
		if s.Port.Parity == "" {
			s.Port.Parity = "N"
		}
	}

	// ---- relay server ----
	r := &cfg.RelayServer
	if r.Subject == "" {
		r.Subject = DefaultRelaySubject
	}
	if r.FileTimeMs <= 0 {
		r.FileTimeMs = DefaultLoggingFileTimeMs
	}
	if r.Bucket == "" {
		r.Bucket = DefaultLoggingBucket
	}
}
