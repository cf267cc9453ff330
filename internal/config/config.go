package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Calling  CallingConfig  `mapstructure:"calling"`
	Users    UsersConfig    `mapstructure:"users"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RelayConfig locates the signaling relay and the REST API that serves ICE
// servers.
type RelayConfig struct {
	URL           string        `mapstructure:"url"`
	APIBase       string        `mapstructure:"api_base"`
	Token         string        `mapstructure:"token"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

type CallingConfig struct {
	STUNServers     []string      `mapstructure:"stun_servers"`
	UDPPortMin      uint16        `mapstructure:"udp_port_min"`
	UDPPortMax      uint16        `mapstructure:"udp_port_max"`
	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	ConnectFallback time.Duration `mapstructure:"connect_fallback"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PrewarmVideo    bool          `mapstructure:"prewarm_video"`
	Audio           AudioConfig   `mapstructure:"audio"`
	Video           VideoConfig   `mapstructure:"video"`
}

type AudioConfig struct {
	DeviceKeyword    string `mapstructure:"device_keyword"`
	OutputDeviceName string `mapstructure:"output_device_name"`
	SampleRate       int    `mapstructure:"sample_rate"`
	CaptureChunkMs   int    `mapstructure:"capture_chunk_ms"`
	PlaybackChunkMs  int    `mapstructure:"playback_chunk_ms"`
}

// VideoConfig describes the local VP8 RTP feed used as the camera track.
type VideoConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	RequireCamera bool   `mapstructure:"require_camera"`
}

type UsersConfig struct {
	DefaultAdminPassword string `mapstructure:"default_admin_password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

var AppConfig Config

func LoadConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Config file not found, using defaults. Error: %v", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	applyDefaults(&AppConfig)
	log.Println("Configuration loaded successfully")
}

func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Relay.ReconnectBase <= 0 {
		c.Relay.ReconnectBase = time.Second
	}
	if c.Relay.ReconnectMax <= 0 {
		c.Relay.ReconnectMax = 30 * time.Second
	}

	call := &c.Calling
	if call.RingTimeout <= 0 {
		call.RingTimeout = 30 * time.Second
	}
	if call.ConnectFallback <= 0 {
		call.ConnectFallback = 10 * time.Second
	}
	if call.ConnectTimeout <= 0 {
		call.ConnectTimeout = 30 * time.Second
	}
	if call.RetryBase <= 0 {
		call.RetryBase = time.Second
	}
	if call.RetryMax <= 0 {
		call.RetryMax = 10 * time.Second
	}
	if call.MaxAttempts <= 0 {
		call.MaxAttempts = 3
	}
	if call.Audio.SampleRate <= 0 {
		call.Audio.SampleRate = 8000
	}
	if call.Audio.CaptureChunkMs <= 0 {
		call.Audio.CaptureChunkMs = 20
	}
	if call.Audio.PlaybackChunkMs <= 0 {
		call.Audio.PlaybackChunkMs = 100
	}
	if call.Video.ListenAddr == "" {
		call.Video.ListenAddr = "127.0.0.1:5004"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
}
