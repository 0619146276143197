// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/picamctl/picamctl/internal/validate"
)

// Runtime is the immutable daemon configuration sourced from the environment.
type Runtime struct {
	ListenAddr string
	LogLevel   string
	DeviceID   string

	DataDir      string
	SettingsPath string
	SegmentDir   string
	SnapshotDir  string

	// External process binaries.
	EncoderBin   string
	SegmenterBin string
	StillBin     string
	RebootCmd    []string

	// Local network handoff between encoder and segmenter.
	SinkAddr string

	// HLS segment window.
	SegmentSeconds int
	WindowSize     int

	// Bounded operation timeouts.
	StartupTimeout time.Duration
	StopGrace      time.Duration
	CaptureTimeout time.Duration

	// Crash recovery.
	HealthInterval     time.Duration
	MaxRestartAttempts int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration

	MQTT MQTTRuntime
}

// MQTTRuntime configures the telemetry publisher.
type MQTTRuntime struct {
	Enabled   bool
	BrokerURL string
	Username  string
	Password  string
	BaseTopic string

	StatusInterval  time.Duration
	MetricsInterval time.Duration
}

// FromEnv builds the runtime configuration from PICAM_* environment
// variables, applying conservative defaults for anything unset.
func FromEnv() Runtime {
	dataDir := ParseString("PICAM_DATA_DIR", "/var/lib/picamctl")

	deviceID := ParseString("PICAM_DEVICE_ID", "")
	if deviceID == "" {
		if host, err := os.Hostname(); err == nil {
			deviceID = host
		} else {
			deviceID = "picam"
		}
	}

	return Runtime{
		ListenAddr: ParseString("PICAM_LISTEN", ":5000"),
		LogLevel:   ParseString("PICAM_LOG_LEVEL", "info"),
		DeviceID:   deviceID,

		DataDir:      dataDir,
		SettingsPath: ParseString("PICAM_SETTINGS_FILE", filepath.Join(dataDir, "settings.json")),
		SegmentDir:   ParseString("PICAM_HLS_DIR", filepath.Join(dataDir, "hls")),
		SnapshotDir:  ParseString("PICAM_SNAPSHOT_DIR", filepath.Join(dataDir, "snapshots")),

		EncoderBin:   ParseString("PICAM_ENCODER_BIN", "rpicam-vid"),
		SegmenterBin: ParseString("PICAM_SEGMENTER_BIN", "ffmpeg"),
		StillBin:     ParseString("PICAM_STILL_BIN", "rpicam-still"),
		RebootCmd:    []string{ParseString("PICAM_REBOOT_BIN", "systemctl"), "reboot"},

		SinkAddr: ParseString("PICAM_SINK_ADDR", "127.0.0.1:8554"),

		SegmentSeconds: ParseInt("PICAM_SEGMENT_SECONDS", 2),
		WindowSize:     ParseInt("PICAM_WINDOW_SIZE", 10),

		StartupTimeout: ParseDuration("PICAM_STARTUP_TIMEOUT", 15*time.Second),
		StopGrace:      ParseDuration("PICAM_STOP_GRACE", 5*time.Second),
		CaptureTimeout: ParseDuration("PICAM_CAPTURE_TIMEOUT", 10*time.Second),

		HealthInterval:     ParseDuration("PICAM_HEALTH_INTERVAL", 5*time.Second),
		MaxRestartAttempts: ParseInt("PICAM_MAX_RESTARTS", 5),
		BackoffInitial:     ParseDuration("PICAM_BACKOFF_INITIAL", time.Second),
		BackoffMax:         ParseDuration("PICAM_BACKOFF_MAX", 30*time.Second),

		MQTT: MQTTRuntime{
			Enabled:         ParseBool("PICAM_MQTT_ENABLED", false),
			BrokerURL:       ParseString("PICAM_MQTT_BROKER", "tcp://localhost:1883"),
			Username:        ParseString("PICAM_MQTT_USER", ""),
			Password:        ParseString("PICAM_MQTT_PASSWORD", ""),
			BaseTopic:       ParseString("PICAM_MQTT_BASE_TOPIC", "surveillance"),
			StatusInterval:  ParseDuration("PICAM_MQTT_STATUS_INTERVAL", 30*time.Second),
			MetricsInterval: ParseDuration("PICAM_MQTT_METRICS_INTERVAL", 60*time.Second),
		},
	}
}

// Validate checks the runtime configuration, creating writable directories
// on demand.
func (r Runtime) Validate() error {
	v := validate.New()

	v.NotEmpty("ListenAddr", r.ListenAddr)
	v.NotEmpty("SinkAddr", r.SinkAddr)
	v.Directory("DataDir", r.DataDir, false)
	v.Directory("SegmentDir", r.SegmentDir, false)
	v.Directory("SnapshotDir", r.SnapshotDir, false)
	v.Range("SegmentSeconds", r.SegmentSeconds, 1, 10)
	v.Range("WindowSize", r.WindowSize, 2, 60)
	v.Range("MaxRestartAttempts", r.MaxRestartAttempts, 0, 20)

	if r.StartupTimeout <= 0 {
		v.AddError("StartupTimeout", "must be > 0", r.StartupTimeout)
	}
	if r.StopGrace <= 0 {
		v.AddError("StopGrace", "must be > 0", r.StopGrace)
	}
	if r.CaptureTimeout <= 0 {
		v.AddError("CaptureTimeout", "must be > 0", r.CaptureTimeout)
	}
	if r.HealthInterval <= 0 {
		v.AddError("HealthInterval", "must be > 0", r.HealthInterval)
	}

	return v.Err()
}
