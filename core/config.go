package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		PasswordResetTimeoutDelta time.Duration
	}

	StorageConfig struct {
		Engine  string // sqlite | memory
		DataDir string
	}

	RemoteConfig struct {
		Transport string // rest | postgres | memory
	}

	SupabaseConfig struct {
		URL     string
		AnonKey string
		Timeout time.Duration
	}

	DatabaseConfig struct {
		Engine     string
		Host       string
		Port       string
		User       string
		Password   string
		Name       string
		DisableTLS bool
	}

	SyncConfig struct {
		Interval           time.Duration
		MaxAttempts        int
		BaseDelay          time.Duration
		ErrorFlushInterval time.Duration
	}

	Config struct {
		Env              string
		Debug            bool
		TestMode         bool
		AppName          string
		Build            string
		SecretKey        string
		RollbarToken     string
		FrontendBaseURL  string
		SendgridApiKey   string
		WorkDir          string
		defaultFromEmail string

		Server   ServerConfig
		Storage  StorageConfig
		Remote   RemoteConfig
		Supabase SupabaseConfig
		Database DatabaseConfig
		Sync     SyncConfig
	}
)

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

func (dc DatabaseConfig) Address() string {
	return net.JoinHostPort(dc.Host, dc.Port)
}

// NewConfig loads the configuration from the environment (and the optional .env.<env> file).
func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("testMode", false)
	conf.SetDefault("appName", "NexLearn")
	conf.SetDefault("build", "develop")
	conf.SetDefault("secretKey", "n3x$l34rn-k7(d!x)#*c2(#yg4h^$cegm2emy-poq5-wer)enb$+57")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("frontendBaseURL", "http://localhost:5173")
	conf.SetDefault("rollbarToken", "")
	conf.SetDefault("sendgridApiKey", "")

	conf.SetDefault("serverHost", ":8000")
	conf.SetDefault("serverDebugHost", ":4000")
	conf.SetDefault("serverShutdownTimeout", 5*time.Second)
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	conf.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)
	conf.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	conf.SetDefault("storageEngine", "sqlite")
	conf.SetDefault("storageDataDir", "data")

	conf.SetDefault("remoteTransport", "rest")
	conf.SetDefault("supabaseURL", "")
	conf.SetDefault("supabaseAnonKey", "")
	conf.SetDefault("supabaseTimeout", 10*time.Second)

	conf.SetDefault("dbEngine", "postgres")
	conf.SetDefault("dbHost", "localhost")
	conf.SetDefault("dbPort", "5432")
	conf.SetDefault("dbUser", "")
	conf.SetDefault("dbPassword", "")
	conf.SetDefault("dbName", "nexlearn")
	conf.SetDefault("dbDisableTLS", false)

	conf.SetDefault("syncInterval", 8*time.Second)
	conf.SetDefault("syncMaxAttempts", 5)
	conf.SetDefault("syncBaseDelay", 5*time.Second)
	conf.SetDefault("syncErrorFlushInterval", 15*time.Second)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	dataDir := conf.GetString("storageDataDir")
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(workDir, dataDir)
	}

	return &Config{
		Env:              env,
		Debug:            conf.GetBool("debug"),
		TestMode:         conf.GetBool("testMode"),
		AppName:          conf.GetString("appName"),
		Build:            conf.GetString("build"),
		SecretKey:        conf.GetString("secretKey"),
		RollbarToken:     conf.GetString("rollbarToken"),
		FrontendBaseURL:  conf.GetString("frontendBaseURL"),
		SendgridApiKey:   conf.GetString("sendgridApiKey"),
		WorkDir:          workDir,
		defaultFromEmail: conf.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      conf.GetString("serverHost"),
			DebugHost:                 conf.GetString("serverDebugHost"),
			ShutdownTimeout:           conf.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        conf.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: conf.GetDuration("jwtRefreshExpirationDelta"),
			PasswordResetTimeoutDelta: conf.GetDuration("passwordResetTimeoutDelta"),
		},
		Storage: StorageConfig{
			Engine:  conf.GetString("storageEngine"),
			DataDir: dataDir,
		},
		Remote: RemoteConfig{
			Transport: conf.GetString("remoteTransport"),
		},
		Supabase: SupabaseConfig{
			URL:     strings.TrimRight(conf.GetString("supabaseURL"), "/"),
			AnonKey: conf.GetString("supabaseAnonKey"),
			Timeout: conf.GetDuration("supabaseTimeout"),
		},
		Database: DatabaseConfig{
			Engine:     conf.GetString("dbEngine"),
			Host:       conf.GetString("dbHost"),
			Port:       conf.GetString("dbPort"),
			User:       conf.GetString("dbUser"),
			Password:   conf.GetString("dbPassword"),
			Name:       conf.GetString("dbName"),
			DisableTLS: conf.GetBool("dbDisableTLS"),
		},
		Sync: SyncConfig{
			Interval:           conf.GetDuration("syncInterval"),
			MaxAttempts:        conf.GetInt("syncMaxAttempts"),
			BaseDelay:          conf.GetDuration("syncBaseDelay"),
			ErrorFlushInterval: conf.GetDuration("syncErrorFlushInterval"),
		},
	}
}

// NewTestConfig returns the configuration used by tests: debug off, in-memory storage, no remote.
func NewTestConfig() *Config {
	_ = os.Setenv("ENV", "TEST")
	conf := NewConfig()
	conf.Debug = false
	conf.TestMode = true
	conf.Storage.Engine = "memory"
	conf.Remote.Transport = "memory"
	return conf
}
