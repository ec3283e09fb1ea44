package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
		Port string
	}
	Log struct {
		Level string
	}
	Download struct {
		DataDir        string
		SampleInterval time.Duration
		ReleaseDelay   time.Duration
	}
	Engine struct {
		ListenPort      int
		NoUpload        bool
		NoDHT           bool
		Seed            bool
		MetadataTimeout time.Duration
		Trackers        []string
	}
	Remote struct {
		URL      string
		Username string
		Password string
		SavePath string
		Category string
	}
	Indexer struct {
		APIKey string
		Hosts  []string
	}
	Database struct {
		Path string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret       string
		Password        string
		TokenTTLMinutes int
	}
}

// legacyEnv maps config keys to the variable names older deployments used.
var legacyEnv = map[string]string{
	"download.datadir": "DOWNLOAD_PATH",
	"remote.url":       "QBITTORRENT_URL",
	"remote.username":  "QBITTORRENT_USERNAME",
	"remote.password":  "QBITTORRENT_PASSWORD",
	"indexer.apikey":   "PROWLARR_API_KEY",
	"server.port":      "PORT",
}

// Load reads configuration from environment variables and an optional config file. An empty
// path looks for config.{yaml,json,toml} in the working directory.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("BOXOFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "BOXOFFICE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("server.port", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("download.datadir", "./downloads")
	v.SetDefault("download.sampleinterval", time.Second)
	v.SetDefault("download.releasedelay", 2*time.Second)
	v.SetDefault("engine.listenport", 42069)
	v.SetDefault("engine.noupload", false)
	v.SetDefault("engine.nodht", false)
	v.SetDefault("engine.seed", false)
	v.SetDefault("engine.metadatatimeout", time.Duration(0))
	v.SetDefault("engine.trackers", []string{})
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.username", "admin")
	v.SetDefault("remote.password", "adminadmin")
	v.SetDefault("remote.savepath", "")
	v.SetDefault("remote.category", "movies")
	v.SetDefault("indexer.apikey", "")
	v.SetDefault("indexer.hosts", []string{"localhost:9696", "prowlarr"})
	v.SetDefault("database.path", "data/boxoffice.db")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "boxoffice")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.tokenttlminutes", 720)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if port := strings.TrimSpace(cfg.Server.Port); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = "0.0.0.0"
		}
		cfg.Server.Addr = net.JoinHostPort(host, port)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Download.DataDir) == "" {
		return errors.New("download.datadir is required")
	}
	if c.Download.SampleInterval <= 0 {
		return errors.New("download.sampleinterval must be positive")
	}
	if c.Download.ReleaseDelay < 0 {
		return errors.New("download.releasedelay must not be negative")
	}
	if c.Auth.JWTSecret != "" && c.Auth.Password == "" {
		return errors.New("auth.password is required when auth.jwtsecret is set")
	}
	return nil
}

// RemoteEnabled reports whether a qBittorrent daemon is configured.
func (c Config) RemoteEnabled() bool {
	return strings.TrimSpace(c.Remote.URL) != ""
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
