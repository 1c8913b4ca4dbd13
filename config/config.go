package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("stream.max_frame_size", 4*1024*1024)
	v.SetDefault("stream.large_unit_threshold", 50000)

	v.SetDefault("session.connect_timeout", 15*time.Second)
	v.SetDefault("session.poll_interval", 100*time.Millisecond)
	v.SetDefault("session.keyframe_timeout", 5*time.Second)

	v.SetDefault("video.resolution", "720p")
	v.SetDefault("video.fps", 60)

	v.SetDefault("chiaki.config_path", filepath.Join(xdg.ConfigHome, "Chiaki", "Chiaki.conf"))
	v.SetDefault("psn.account_id", "")

	v.SetDefault("server.addr", "127.0.0.1:28091")

	v.SetDefault("engine.name", "replay")
	v.SetDefault("engine.source", "")
	v.SetDefault("engine.loop", false)

	v.SetDefault("ffmpeg.path", "ffmpeg")

	v.SetDefault("remoteplay.home", filepath.Join(xdg.Home, ".remoteplay"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("stream.max_frame_size", "REMOTEPLAY_MAX_FRAME_SIZE")
	v.BindEnv("stream.large_unit_threshold", "REMOTEPLAY_LARGE_UNIT_THRESHOLD")
	v.BindEnv("session.connect_timeout", "REMOTEPLAY_CONNECT_TIMEOUT")
	v.BindEnv("session.poll_interval", "REMOTEPLAY_POLL_INTERVAL")
	v.BindEnv("session.keyframe_timeout", "REMOTEPLAY_KEYFRAME_TIMEOUT")
	v.BindEnv("video.resolution", "REMOTEPLAY_RESOLUTION")
	v.BindEnv("video.fps", "REMOTEPLAY_FPS")
	v.BindEnv("chiaki.config_path", "REMOTEPLAY_CHIAKI_CONFIG", "CHIAKI_CONFIG")
	v.BindEnv("psn.account_id", "REMOTEPLAY_PSN_ACCOUNT_ID")
	v.BindEnv("server.addr", "REMOTEPLAY_ADDR")
	v.BindEnv("engine.name", "REMOTEPLAY_ENGINE")
	v.BindEnv("engine.source", "REMOTEPLAY_SOURCE")
	v.BindEnv("engine.loop", "REMOTEPLAY_LOOP")
	v.BindEnv("ffmpeg.path", "REMOTEPLAY_FFMPEG", "FFMPEG_PATH")
	v.BindEnv("remoteplay.home", "REMOTEPLAY_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.remoteplay",
		"/etc/remoteplay",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// LoadFile merges an explicit config file (the --config flag) over the
// search-path one.
func LoadFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// ConfigFileUsed returns the config file in effect, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// Set overrides a key for the rest of the process, e.g. from a flag.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// GetMaxFrameSize returns the Frame Store slot bound in bytes
func GetMaxFrameSize() int {
	return v.GetInt("stream.max_frame_size")
}

// GetLargeUnitThreshold returns the size above which a delta unit is treated as a keyframe
func GetLargeUnitThreshold() int {
	return v.GetInt("stream.large_unit_threshold")
}

// GetConnectTimeout returns how long commands wait for the session to connect
func GetConnectTimeout() time.Duration {
	return v.GetDuration("session.connect_timeout")
}

// GetPollInterval returns the connection polling interval
func GetPollInterval() time.Duration {
	return v.GetDuration("session.poll_interval")
}

// GetKeyframeTimeout returns how long to wait for a keyframe after a refresh
func GetKeyframeTimeout() time.Duration {
	return v.GetDuration("session.keyframe_timeout")
}

// GetResolution returns the requested stream resolution (360p, 540p, 720p or 1080p)
func GetResolution() string {
	return v.GetString("video.resolution")
}

// GetFPS returns the requested stream frame rate
func GetFPS() int {
	return v.GetInt("video.fps")
}

// GetChiakiConfigPath returns the Chiaki.conf holding registered hosts
func GetChiakiConfigPath() string {
	return v.GetString("chiaki.config_path")
}

// GetPSNAccountID returns the base64 PSN account id, empty for the default
func GetPSNAccountID() string {
	return v.GetString("psn.account_id")
}

// GetServerAddr returns the API server listen address
func GetServerAddr() string {
	return v.GetString("server.addr")
}

// GetEngineName returns the streaming engine to use
func GetEngineName() string {
	return v.GetString("engine.name")
}

// GetEngineSource returns the engine source, e.g. the recording replayed by the replay engine
func GetEngineSource() string {
	return v.GetString("engine.source")
}

// GetEngineLoop reports whether file-backed engines should loop
func GetEngineLoop() bool {
	return v.GetBool("engine.loop")
}

// GetFFmpegPath returns the ffmpeg binary used for PNG export
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// GetHome returns the remoteplay home directory
func GetHome() string {
	return v.GetString("remoteplay.home")
}

// GetRecordingsDir returns the default directory for screenshots and recordings
func GetRecordingsDir() string {
	return filepath.Join(GetHome(), "captures")
}
