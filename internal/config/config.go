package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Mimir     MimirConfig
	Scheduler SchedulerConfig
	Probe     ProbeConfig
	Worker    WorkerConfig
	Consensus ConsensusConfig
	Notify    NotifyConfig
	Reports   ReportsConfig
	Archive   ArchiveConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the persistence backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
	MigrateOnStart bool
}

type AuthConfig struct {
	JWTSecret   string
	WorkerToken string
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

type SchedulerConfig struct {
	WorkerCount     int
	QueueSize       int
	SweepInterval   time.Duration
	ProbesPerSecond float64
}

type ProbeConfig struct {
	HTTPTimeout    time.Duration
	PingTimeout    time.Duration
	DNSTimeout     time.Duration
	TCPTimeout     time.Duration
	SSLTimeout     time.Duration
	WhoisTimeout   time.Duration
	DNSServer      string
	PrivilegedPing bool
}

type WorkerConfig struct {
	ID            string
	Region        string
	APIURL        string
	ReportTimeout time.Duration
}

type ConsensusConfig struct {
	Window                   time.Duration
	FreshnessFactor          float64
	DefaultFreshness         time.Duration
	MaxObservationsPerWorker int
	MaxClockSkew             time.Duration
}

type NotifyConfig struct {
	WebhookURL string
	ReportURL  string
	Timeout    time.Duration
	BufferSize int
}

type ReportsConfig struct {
	Enabled   bool
	Schedule  string
	Retention time.Duration
}

type ArchiveConfig struct {
	Enabled   bool
	Region    string
	TableName string
}

func Load() (*Config, error) {
	// .env is optional; real environment variables always win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("UPTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := os.Getenv("WORKER_TOKEN"); token != "" {
		cfg.Auth.WorkerToken = token
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	if cfg.Worker.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		cfg.Worker.ID = hostname
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("database.maxconnections", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("database.migrateonstart", true)
	v.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	v.SetDefault("mimir.batchsize", 1000)
	v.SetDefault("mimir.flushinterval", "10s")
	v.SetDefault("scheduler.workercount", 10)
	v.SetDefault("scheduler.queuesize", 1000)
	v.SetDefault("scheduler.sweepinterval", "5s")
	v.SetDefault("scheduler.probespersecond", 20)
	v.SetDefault("probe.httptimeout", "30s")
	v.SetDefault("probe.pingtimeout", "5s")
	v.SetDefault("probe.dnstimeout", "5s")
	v.SetDefault("probe.tcptimeout", "5s")
	v.SetDefault("probe.ssltimeout", "10s")
	v.SetDefault("probe.whoistimeout", "15s")
	v.SetDefault("probe.dnsserver", "8.8.8.8:53")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.region", "us-east")
	v.SetDefault("worker.apiurl", "http://localhost:8080")
	v.SetDefault("worker.reporttimeout", "10s")
	v.SetDefault("consensus.window", "24h")
	v.SetDefault("consensus.freshnessfactor", 2.0)
	v.SetDefault("consensus.defaultfreshness", "10m")
	v.SetDefault("consensus.maxobservationsperworker", 2880)
	v.SetDefault("consensus.maxclockskew", "1m")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.buffersize", 256)
	v.SetDefault("reports.enabled", true)
	v.SetDefault("reports.schedule", "0 * * * *")
	v.SetDefault("reports.retention", "2160h")
	v.SetDefault("archive.region", "us-east-1")
}
