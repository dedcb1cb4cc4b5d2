// ==============================================
// Relay configuration, parsed from the environment
// ==============================================

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ==============================================
// Main Configuration Structure
// ==============================================

type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	WebRTC   WebRTCConfig
	Chat     ChatConfig
	Security SecurityConfig
	Stats    StatsConfig
}

// ==============================================
// Application Configuration
// ==============================================

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"duet"`
	Version     string `env:"APP_VERSION" envDefault:"1.0.0"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
}

// ==============================================
// Server Configuration
// ==============================================

type ServerConfig struct {
	HTTP      HTTPConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
}

type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr is the listen address
func (h HTTPConfig) Addr() string {
	return h.Host + ":" + h.Port
}

type WebSocketConfig struct {
	ReadBufferSize  int           `env:"WS_READ_BUFFER" envDefault:"1024"`
	WriteBufferSize int           `env:"WS_WRITE_BUFFER" envDefault:"1024"`
	CheckOrigin     bool          `env:"WS_CHECK_ORIGIN" envDefault:"false"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WriteWait       time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	MaxMessageSize  int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	SendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"256"`
}

// PingPeriod must be shorter than PongWait
func (w WebSocketConfig) PingPeriod() time.Duration {
	return w.PongWait * 9 / 10
}

type CORSConfig struct {
	AllowedOrigins   []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	AllowedMethods   []string      `env:"CORS_METHODS" envDefault:"GET,POST,OPTIONS" envSeparator:","`
	AllowedHeaders   []string      `env:"CORS_HEADERS" envDefault:"Origin,Content-Type,Accept,Authorization" envSeparator:","`
	AllowCredentials bool          `env:"CORS_CREDENTIALS" envDefault:"false"`
	MaxAge           time.Duration `env:"CORS_MAX_AGE" envDefault:"12h"`
}

// ==============================================
// Database Configuration
// ==============================================

type DatabaseConfig struct {
	MongoDB MongoConfig
	Redis   RedisConfig
}

type MongoConfig struct {
	URI            string        `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	Database       string        `env:"MONGODB_DATABASE" envDefault:"duet"`
	MaxPoolSize    uint64        `env:"MONGODB_MAX_POOL_SIZE" envDefault:"20"`
	ConnectTimeout time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// ==============================================
// WebRTC Configuration
// ==============================================

type WebRTCConfig struct {
	STUNServers []string      `env:"STUN_SERVERS" envDefault:"stun:stun.l.google.com:19302" envSeparator:","`
	TURNServers []string      `env:"TURN_SERVERS" envSeparator:","`
	TURNSecret  string        `env:"TURN_SECRET"`
	TURNTTL     time.Duration `env:"TURN_TTL" envDefault:"12h"`
}

// ==============================================
// Chat Configuration
// ==============================================

type ChatConfig struct {
	MaxRoomMembers int           `env:"ROOM_MAX_MEMBERS" envDefault:"8"`
	RoomIdleExpiry time.Duration `env:"ROOM_IDLE_EXPIRY" envDefault:"10m"`
	TypingExpiry   time.Duration `env:"TYPING_EXPIRY" envDefault:"3s"`
}

// ==============================================
// Security Configuration
// ==============================================

type SecurityConfig struct {
	ResumeSecret string        `env:"RESUME_SECRET"`
	ResumeGrace  time.Duration `env:"RESUME_GRACE" envDefault:"2m"`
	RateLimit    RateLimitConfig
}

type RateLimitConfig struct {
	// HTTP requests per minute per client IP
	Requests int `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	Burst    int `env:"RATE_LIMIT_BURST" envDefault:"30"`
	// relay events per second per websocket connection
	EventsPerSecond float64 `env:"WS_EVENTS_PER_SECOND" envDefault:"20"`
	EventBurst      int     `env:"WS_EVENT_BURST" envDefault:"60"`
}

// ==============================================
// Statistics Configuration
// ==============================================

type StatsConfig struct {
	Backend  string        `env:"STATS_BACKEND" envDefault:"none"`
	Interval time.Duration `env:"STATS_INTERVAL" envDefault:"1m"`
	TTL      time.Duration `env:"STATS_TTL" envDefault:"168h"`
}

// ==============================================
// Configuration Loading Functions
// ==============================================

// Load parses the environment into a Config and validates it
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.ApplyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTP.Port == "" {
		errs = append(errs, errors.New("PORT must be set"))
	}
	if c.Server.WebSocket.PongWait <= 0 || c.Server.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("WS_PONG_WAIT and WS_WRITE_WAIT must be positive"))
	}
	if c.Server.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	if c.Chat.MaxRoomMembers < 2 {
		errs = append(errs, errors.New("ROOM_MAX_MEMBERS must be at least 2"))
	}
	if c.Chat.RoomIdleExpiry <= 0 {
		errs = append(errs, errors.New("ROOM_IDLE_EXPIRY must be positive"))
	}
	if c.Security.ResumeGrace <= 0 {
		errs = append(errs, errors.New("RESUME_GRACE must be positive"))
	}
	if c.Security.RateLimit.EventsPerSecond <= 0 || c.Security.RateLimit.EventBurst <= 0 {
		errs = append(errs, errors.New("WS_EVENTS_PER_SECOND and WS_EVENT_BURST must be positive"))
	}
	switch c.Stats.Backend {
	case "none", "mongo", "redis":
	default:
		errs = append(errs, fmt.Errorf("STATS_BACKEND %q is not one of none, mongo, redis", c.Stats.Backend))
	}
	if c.Stats.Backend != "none" && c.Stats.Interval <= 0 {
		errs = append(errs, errors.New("STATS_INTERVAL must be positive"))
	}
	if len(c.WebRTC.TURNServers) > 0 && c.WebRTC.TURNSecret == "" {
		errs = append(errs, errors.New("TURN_SECRET is required when TURN_SERVERS is set"))
	}
	if c.App.Environment == "production" && c.Security.ResumeSecret == "" {
		errs = append(errs, errors.New("RESUME_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) ApplyEnvironmentOverrides() {
	switch c.App.Environment {
	case "development":
		c.App.Debug = true
	case "production":
		c.App.Debug = false
		c.Server.WebSocket.CheckOrigin = true
	}
}

// IsProduction reports whether the relay runs with production settings
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production")
}
