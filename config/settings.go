package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingSetting is wrapped by every validation failure in Load.
var ErrMissingSetting = errors.New("required setting is not set")

// Settings is the full runtime configuration, resolved once at startup.
type Settings struct {
	Queue     QueueSettings     `mapstructure:"queue"`
	Container ContainerSettings `mapstructure:"container"`
	Storage   StorageSettings   `mapstructure:"storage"`
	Worker    WorkerSettings    `mapstructure:"worker"`
	Jobs      JobSettings       `mapstructure:"jobs"`
	Ledger    LedgerSettings    `mapstructure:"ledger"`
	Redis     RedisSettings     `mapstructure:"redis"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	Log       LogSettings       `mapstructure:"log"`
}

type QueueSettings struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	VHost           string `mapstructure:"vhost"`
	Name            string `mapstructure:"name"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
	// MaxAttempts of 0 requeues failed messages forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type ContainerSettings struct {
	DockerURI       string        `mapstructure:"docker_uri"`
	ImageName       string        `mapstructure:"image_name"`
	ImageTag        string        `mapstructure:"image_tag"`
	HostInputDir    string        `mapstructure:"host_input_dir"`
	HostOutputDir   string        `mapstructure:"host_output_dir"`
	InputMount      string        `mapstructure:"input_mount"`
	OutputMount     string        `mapstructure:"output_mount"`
	MemoryBytes     int64         `mapstructure:"memory_bytes"`
	NanoCPUs        int64         `mapstructure:"nano_cpus"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ObserveInterval time.Duration `mapstructure:"observe_interval"`
	PullMissing     bool          `mapstructure:"pull_missing"`
	ReapOrphans     bool          `mapstructure:"reap_orphans"`
}

type StorageSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// S3 / MinIO
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	GCS   GCSSettings   `mapstructure:"gcs"`
	SFTP  SFTPSettings  `mapstructure:"sftp"`
	Local LocalSettings `mapstructure:"local"`
}

type GCSSettings struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type SFTPSettings struct {
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	KnownHosts string `mapstructure:"known_hosts"`
	BaseDir    string `mapstructure:"base_dir"`
}

type LocalSettings struct {
	BaseDir string `mapstructure:"base_dir"`
}

type WorkerSettings struct {
	Slots int `mapstructure:"slots"`
}

type JobSettings struct {
	// SigningKey switches job decoding from plain JSON to HS256 tokens.
	SigningKey     string `mapstructure:"signing_key"`
	ExpectedIssuer string `mapstructure:"expected_issuer"`
}

type RedisSettings struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// legacyEnv maps keys onto the environment names the deployment already uses.
var legacyEnv = map[string]string{
	"queue.host":                "RABBITMQ_HOST",
	"queue.user":                "RABBITMQ_USER",
	"queue.password":            "RABBITMQ_PASSWORD",
	"queue.vhost":               "RABBITMQ_VHOST",
	"queue.port":                "RABBITMQ_PORT",
	"container.docker_uri":      "DOCKER_URI",
	"container.image_name":      "IMAGE_NAME",
	"container.image_tag":       "IMAGE_TAG",
	"container.host_input_dir":  "HOST_DIRECTORY_INPUT",
	"container.host_output_dir": "HOST_DIRECTORY_OUTPUT",
	"storage.enabled":           "ENABLE_MINIO",
	"storage.endpoint":          "Minio_Endpoint",
	"storage.access_key":        "Minio_AccessKey",
	"storage.secret_key":        "Minio_SecretKey",
}

// SettingsPath returns the settings file location.
// Configurable via VIDEOWORKER_SETTINGS, defaults to ./appsettings.json
func SettingsPath() string {
	if p := os.Getenv("VIDEOWORKER_SETTINGS"); p != "" {
		return p
	}
	return "appsettings.json"
}

// LoadDotEnv loads a .env file from the working directory if there is one.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// required keys get empty defaults so env-only values still unmarshal
	for _, key := range []string{
		"queue.host", "queue.user", "queue.password", "queue.vhost",
		"container.docker_uri", "container.image_name", "container.image_tag",
		"container.host_input_dir", "container.host_output_dir",
		"storage.endpoint", "storage.access_key", "storage.secret_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("queue.port", 0)
	v.SetDefault("queue.name", "task_queue")
	v.SetDefault("queue.dead_letter_queue", "task_queue.dead")
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("container.input_mount", "/source")
	v.SetDefault("container.output_mount", "/destination")
	v.SetDefault("container.memory_bytes", int64(1)<<30)
	v.SetDefault("container.nano_cpus", int64(4_000_000_000))
	v.SetDefault("container.timeout", 2*time.Hour)
	v.SetDefault("container.observe_interval", 5*time.Second)
	v.SetDefault("container.pull_missing", true)
	v.SetDefault("container.reap_orphans", true)

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bucket", "lms-videos")
	v.SetDefault("storage.key_prefix", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.gcs.project_id", "")
	v.SetDefault("storage.gcs.credentials_file", "")
	v.SetDefault("storage.sftp.host", "")
	v.SetDefault("storage.sftp.port", "22")
	v.SetDefault("storage.sftp.user", "")
	v.SetDefault("storage.sftp.password", "")
	v.SetDefault("storage.sftp.private_key", "")
	v.SetDefault("storage.sftp.known_hosts", "")
	v.SetDefault("storage.sftp.base_dir", "/")
	v.SetDefault("storage.local.base_dir", "./serve")

	v.SetDefault("worker.slots", 1)
	v.SetDefault("jobs.signing_key", "")
	v.SetDefault("jobs.expected_issuer", "")
	v.SetDefault("ledger.data_dir", "./data")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.result_ttl", 24*time.Hour)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads the settings file at path, applies environment overrides and
// validates the result. The settings file is mandatory.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("VIDEOWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading settings file %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}

	// storage.enabled has no default: it must be stated explicitly
	if err := s.validate(v.IsSet("storage.enabled")); err != nil {
		return nil, err
	}
	return &s, nil
}

func missing(key string) error {
	name := key
	if env, ok := legacyEnv[key]; ok {
		name = fmt.Sprintf("%s (%s)", key, env)
	}
	return fmt.Errorf("%w: %s", ErrMissingSetting, name)
}

func (s *Settings) validate(storageFlagSet bool) error {
	var errs []error
	required := map[string]string{
		"queue.host":                s.Queue.Host,
		"queue.user":                s.Queue.User,
		"queue.password":            s.Queue.Password,
		"queue.vhost":               s.Queue.VHost,
		"queue.name":                s.Queue.Name,
		"container.docker_uri":      s.Container.DockerURI,
		"container.image_name":      s.Container.ImageName,
		"container.image_tag":       s.Container.ImageTag,
		"container.host_input_dir":  s.Container.HostInputDir,
		"container.host_output_dir": s.Container.HostOutputDir,
	}
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, missing(key))
		}
	}
	if s.Queue.Port <= 0 {
		errs = append(errs, missing("queue.port"))
	}
	if !storageFlagSet {
		errs = append(errs, missing("storage.enabled"))
	}
	if s.Worker.Slots < 1 {
		errs = append(errs, fmt.Errorf("worker.slots must be at least 1, got %d", s.Worker.Slots))
	}
	if s.Queue.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must not be negative, got %d", s.Queue.MaxAttempts))
	}
	if s.Container.MemoryBytes <= 0 || s.Container.NanoCPUs <= 0 {
		errs = append(errs, errors.New("container.memory_bytes and container.nano_cpus must be positive"))
	}

	if s.Storage.Enabled {
		errs = append(errs, s.Storage.validate()...)
	}

	slices.SortFunc(errs, func(a, b error) int {
		return strings.Compare(a.Error(), b.Error())
	})
	return errors.Join(errs...)
}

func (st *StorageSettings) validate() []error {
	var errs []error
	if st.Bucket == "" {
		errs = append(errs, missing("storage.bucket"))
	}
	switch st.Backend {
	case "s3":
		if st.Endpoint == "" {
			errs = append(errs, missing("storage.endpoint"))
		}
		if st.AccessKey == "" {
			errs = append(errs, missing("storage.access_key"))
		}
		if st.SecretKey == "" {
			errs = append(errs, missing("storage.secret_key"))
		}
	case "gcs":
		if st.GCS.ProjectID == "" {
			errs = append(errs, missing("storage.gcs.project_id"))
		}
	case "sftp":
		if st.SFTP.Host == "" || st.SFTP.User == "" {
			errs = append(errs, missing("storage.sftp.host/user"))
		}
		if st.SFTP.Password == "" && st.SFTP.PrivateKey == "" {
			errs = append(errs, missing("storage.sftp.password or storage.sftp.private_key"))
		}
	case "local":
		if st.Local.BaseDir == "" {
			errs = append(errs, missing("storage.local.base_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", st.Backend))
	}
	return errs
}
