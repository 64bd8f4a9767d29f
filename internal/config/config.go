package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Session    SessionConfig    `mapstructure:"session"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// NATSConfig enables the cross-process broadcast sink when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	LockTTL       time.Duration `mapstructure:"lockTTL"`
	LockWait      time.Duration `mapstructure:"lockWait"`
	MaxPlayers    int           `mapstructure:"maxPlayers"`
	SweepWorkers  int           `mapstructure:"sweepWorkers"`
	// TurnTimeout auto-forfeits the player on turn; zero disables the timer.
	TurnTimeout time.Duration `mapstructure:"turnTimeout"`
}

type ValidatorConfig struct {
	MaxActionAge  time.Duration `mapstructure:"maxActionAge"`
	MaxClockSkew  time.Duration `mapstructure:"maxClockSkew"`
	HumanMinDelay time.Duration `mapstructure:"humanMinDelay"`
}

type ActionLimit struct {
	Window time.Duration `mapstructure:"window"`
	Max    int           `mapstructure:"max"`
	// MinReaction is the fastest plausible human reaction for this action kind.
	MinReaction time.Duration `mapstructure:"minReaction"`
}

type ThrottleConfig struct {
	Limits              map[string]ActionLimit `mapstructure:"limits"`
	HistorySize         int                    `mapstructure:"historySize"`
	RapidFireCount      int                    `mapstructure:"rapidFireCount"`
	RapidFireWindow     time.Duration          `mapstructure:"rapidFireWindow"`
	IdenticalSamples    int                    `mapstructure:"identicalSamples"`
	IdenticalTolerance  time.Duration          `mapstructure:"identicalTolerance"`
	RegularitySamples   int                    `mapstructure:"regularitySamples"`
	RegularityThreshold float64                `mapstructure:"regularityThreshold"`
	SuspendAfter        int                    `mapstructure:"suspendAfter"`
	SuspensionWindow    time.Duration          `mapstructure:"suspensionWindow"`
	SuspensionCooldown  time.Duration          `mapstructure:"suspensionCooldown"`
}

type SettlementConfig struct {
	DefaultCommissionPct float64        `mapstructure:"defaultCommissionPct"`
	PlatformAccountID    int64          `mapstructure:"platformAccountId"`
	ReserveAccountID     int64          `mapstructure:"reserveAccountId"`
	KoraMultipliers      map[string]int `mapstructure:"koraMultipliers"`
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("GARAME")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	GlobalConfig = &cfg
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
		LockTTL:       10 * time.Second,
		LockWait:      3 * time.Second,
		MaxPlayers:    6,
		SweepWorkers:  4,
		TurnTimeout:   30 * time.Second,
	}
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxActionAge:  30 * time.Second,
		MaxClockSkew:  5 * time.Second,
		HumanMinDelay: 300 * time.Millisecond,
	}
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Limits: map[string]ActionLimit{
			"play_card":      {Window: time.Minute, Max: 10, MinReaction: 150 * time.Millisecond},
			"fold":           {Window: time.Minute, Max: 10, MinReaction: 100 * time.Millisecond},
			"create_session": {Window: time.Minute, Max: 5},
			"join_session":   {Window: time.Minute, Max: 10},
			"chat_message":   {Window: 10 * time.Second, Max: 5},
			"wallet_op":      {Window: time.Minute, Max: 3},
		},
		HistorySize:         32,
		RapidFireCount:      3,
		RapidFireWindow:     5 * time.Second,
		IdenticalSamples:    4,
		IdenticalTolerance:  15 * time.Millisecond,
		RegularitySamples:   6,
		RegularityThreshold: 0.95,
		SuspendAfter:        3,
		SuspensionWindow:    10 * time.Minute,
		SuspensionCooldown:  5 * time.Minute,
	}
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		DefaultCommissionPct: 10,
		PlatformAccountID:    0,
		ReserveAccountID:     -1,
		KoraMultipliers: map[string]int{
			"KORA_SIMPLE": 1,
			"KORA_DOUBLE": 2,
			"KORA_TRIPLE": 3,
			"GRAND_SLAM":  4,
		},
	}
}

// Default is a complete config for running without a file.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Port: "8080", Mode: "debug"},
		JWT:        JWTConfig{Expire: 24},
		NATS:       NATSConfig{SubjectPrefix: "garame.session"},
		Session:    DefaultSessionConfig(),
		Validator:  DefaultValidatorConfig(),
		Throttle:   DefaultThrottleConfig(),
		Settlement: DefaultSettlementConfig(),
	}
}
