// Package config loads process-wide configuration from the environment,
// per spec §6.5. It follows the teacher's deps.go in shape (a flat
// struct of resolved fields built once at startup) but reads from the
// environment instead of being handed pre-built driver handles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the fully resolved process configuration.
type Config struct {
	AuthKey []byte // AUTH_KEY, base64-decoded

	PublicIP      string
	HTTPInterface string
	Port          int

	RTCInterface string
	RTCMinPort   uint16
	RTCMaxPort   uint16

	NumWorkers int

	AudioCodecs []string
	VideoCodecs []string

	MaxBufIn  int
	MaxBufOut int

	MaxBitrateIn    int
	MaxBitrateOut   int
	MaxVideoBitrate int

	ChannelSize int

	Proxy bool

	LogLevel string
}

const (
	defaultPort            = 8070
	defaultRTCMinPort      = 40000
	defaultRTCMaxPort      = 49999
	defaultMaxBitrateIn    = 8_000_000
	defaultMaxBitrateOut   = 10_000_000
	defaultMaxVideoBitrate = 4_000_000
	defaultChannelSize     = 100
	defaultMaxBuf          = 1_500_000
)

var allAudioCodecs = []string{"opus"}
var allVideoCodecs = []string{"vp8", "vp9", "h264"}

// Load reads the process configuration from the environment. If a .env
// file is present in the working directory it is loaded first (missing
// files are silently ignored, matching godotenv's own convention for
// optional dev overrides).
func Load() (*Config, error) {
	_ = godotenv.Load()

	authKeyB64 := os.Getenv("AUTH_KEY")
	if authKeyB64 == "" {
		return nil, fmt.Errorf("config: AUTH_KEY is required")
	}
	authKey, err := decodeBase64(authKeyB64)
	if err != nil {
		return nil, fmt.Errorf("config: AUTH_KEY: %w", err)
	}

	publicIP := os.Getenv("PUBLIC_IP")
	if publicIP == "" {
		return nil, fmt.Errorf("config: PUBLIC_IP is required")
	}

	cfg := &Config{
		AuthKey:         authKey,
		PublicIP:        publicIP,
		HTTPInterface:   getString("HTTP_INTERFACE", "0.0.0.0"),
		Port:            getInt("PORT", defaultPort),
		RTCInterface:    getString("RTC_INTERFACE", "0.0.0.0"),
		RTCMinPort:      uint16(getInt("RTC_MIN_PORT", defaultRTCMinPort)),
		RTCMaxPort:      uint16(getInt("RTC_MAX_PORT", defaultRTCMaxPort)),
		NumWorkers:      getInt("NUM_WORKERS", 0),
		AudioCodecs:     getCSVOrAll("AUDIO_CODECS", allAudioCodecs),
		VideoCodecs:     getCSVOrAll("VIDEO_CODECS", allVideoCodecs),
		MaxBufIn:        getInt("MAX_BUF_IN", defaultMaxBuf),
		MaxBufOut:       getInt("MAX_BUF_OUT", defaultMaxBuf),
		MaxBitrateIn:    getInt("MAX_BITRATE_IN", defaultMaxBitrateIn),
		MaxBitrateOut:   getInt("MAX_BITRATE_OUT", defaultMaxBitrateOut),
		MaxVideoBitrate: getInt("MAX_VIDEO_BITRATE", defaultMaxVideoBitrate),
		ChannelSize:     getInt("CHANNEL_SIZE", defaultChannelSize),
		Proxy:           getBool("PROXY", false),
		LogLevel:        getString("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getCSVOrAll(name string, all []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return all
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}
