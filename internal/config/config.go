package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds concierge listener settings.
type ServerConfig struct {
	Address         string        `json:"address" mapstructure:"address"`
	Secret          string        `json:"secret" mapstructure:"secret"`
	FsRoot          string        `json:"fsRoot" mapstructure:"fsRoot"`
	UploadLimit     int64         `json:"uploadLimit" mapstructure:"uploadLimit"`
	IdentifyTimeout time.Duration `json:"identifyTimeout" mapstructure:"identifyTimeout"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// SQLiteConfig holds SQLite settings. An empty Path means shared memory.
// DumpPath, when set, receives a copy of the database on shutdown.
type SQLiteConfig struct {
	Path     string `json:"path" mapstructure:"path"`
	DumpPath string `json:"dumpPath" mapstructure:"dumpPath"`
}

// StoreConfig selects the session/file audit backend.
type StoreConfig struct {
	Type     string         `json:"type" mapstructure:"type"`
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// InfluxConfig holds traffic metrics settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// ClientConfig holds the planetary client's concierge settings.
type ClientConfig struct {
	URL            string `json:"url" mapstructure:"url"`
	HTTPURL        string `json:"httpUrl" mapstructure:"httpUrl"`
	Name           string `json:"name" mapstructure:"name"`
	Secret         string `json:"secret" mapstructure:"secret"`
	SimulationName string `json:"simulationName" mapstructure:"simulationName"`
	Group          string `json:"group" mapstructure:"group"`
	ChatGroup      string `json:"chatGroup" mapstructure:"chatGroup"`
}

// ViewerConfig holds terminal viewer settings.
type ViewerConfig struct {
	VisualScale float64 `json:"visualScale" mapstructure:"visualScale"`
	Zoom        float64 `json:"zoom" mapstructure:"zoom"`
	Chime       bool    `json:"chime" mapstructure:"chime"`
	SystemFile  string  `json:"systemFile" mapstructure:"systemFile"`
}

// ReplayConfig holds session recording settings.
type ReplayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// Load reads configuration from <name>.cfg.json and sets default values.
// configDir is the directory containing the config file.
func Load(configDir, name string) error {
	setDefaults(name)

	viper.SetConfigName(name + ".cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults(name string) {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.address", "0.0.0.0:64209")
	viper.SetDefault("server.secret", "")
	viper.SetDefault("server.fsRoot", "./fs")
	viper.SetDefault("server.uploadLimit", 2*1024*1024)
	viper.SetDefault("server.identifyTimeout", "5s")

	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.sqlite.path", "")
	viper.SetDefault("store.sqlite.dumpPath", "")
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", "5432")
	viper.SetDefault("store.postgres.username", "postgres")
	viper.SetDefault("store.postgres.password", "postgres")
	viper.SetDefault("store.postgres.database", "concierge")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "concierge-metrics")
	viper.SetDefault("influx.bucket", "concierge")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", name)
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("client.url", "ws://localhost:64209/ws")
	viper.SetDefault("client.httpUrl", "http://localhost:64209")
	viper.SetDefault("client.name", "planetary_viewer")
	viper.SetDefault("client.secret", "")
	viper.SetDefault("client.simulationName", "planetary_simulation")
	viper.SetDefault("client.group", "planetary_simulation")
	viper.SetDefault("client.chatGroup", "chat")

	viper.SetDefault("viewer.visualScale", 10.0)
	viper.SetDefault("viewer.zoom", 1.0)
	viper.SetDefault("viewer.chime", false)
	viper.SetDefault("viewer.systemFile", "system.json")

	viper.SetDefault("replay.enabled", false)
	viper.SetDefault("replay.dir", "./replays")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetFloat returns a float config value.
func GetFloat(key string) float64 {
	return viper.GetFloat64(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address:         viper.GetString("server.address"),
		Secret:          viper.GetString("server.secret"),
		FsRoot:          viper.GetString("server.fsRoot"),
		UploadLimit:     viper.GetInt64("server.uploadLimit"),
		IdentifyTimeout: viper.GetDuration("server.identifyTimeout"),
	}
}

func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type: viper.GetString("store.type"),
		SQLite: SQLiteConfig{
			Path:     viper.GetString("store.sqlite.path"),
			DumpPath: viper.GetString("store.sqlite.dumpPath"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("store.postgres.host"),
			Port:     viper.GetString("store.postgres.port"),
			Username: viper.GetString("store.postgres.username"),
			Password: viper.GetString("store.postgres.password"),
			Database: viper.GetString("store.postgres.database"),
		},
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetOTelConfig returns the OpenTelemetry section.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

func GetClientConfig() ClientConfig {
	return ClientConfig{
		URL:            viper.GetString("client.url"),
		HTTPURL:        viper.GetString("client.httpUrl"),
		Name:           viper.GetString("client.name"),
		Secret:         viper.GetString("client.secret"),
		SimulationName: viper.GetString("client.simulationName"),
		Group:          viper.GetString("client.group"),
		ChatGroup:      viper.GetString("client.chatGroup"),
	}
}

func GetViewerConfig() ViewerConfig {
	return ViewerConfig{
		VisualScale: viper.GetFloat64("viewer.visualScale"),
		Zoom:        viper.GetFloat64("viewer.zoom"),
		Chime:       viper.GetBool("viewer.chime"),
		SystemFile:  viper.GetString("viewer.systemFile"),
	}
}

func GetReplayConfig() ReplayConfig {
	return ReplayConfig{
		Enabled: viper.GetBool("replay.enabled"),
		Dir:     viper.GetString("replay.dir"),
	}
}
