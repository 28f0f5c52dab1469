package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rqlite/rqlite/v8/random"
)

const (
	DuplicateFilterSource     = "source"
	DuplicateFilterVersionTag = "versionTag"

	ResumeByProcessDefinitionKey = "BY_PROCESS_DEFINITION_KEY"
	ResumeByDeploymentName       = "BY_DEPLOYMENT_NAME"
)

type Config struct {
	Server              Server               `yaml:"server" json:"server"` // configuration of the public REST server
	Name                string               `yaml:"name" json:"name" env:"NAME" env-default:"zenrepo"` // used for OTEL as an application identifier
	NodeId              int64                `yaml:"nodeId" json:"nodeId" env:"NODE_ID" env-default:"1"` // snowflake node, must be unique among instances sharing the database
	Tracing             Tracing              `yaml:"tracing" json:"tracing"`
	Persistence         Persistence          `yaml:"persistence" json:"persistence"`
	Repository          Repository           `yaml:"repository" json:"repository"`
	JobExecutor         JobExecutor          `yaml:"jobExecutor" json:"jobExecutor"`
	ProcessApplications []ProcessApplication `yaml:"processApplications" json:"processApplications"`
}

type Server struct {
	Context     string   `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr        string   `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
	CorsOrigins []string `yaml:"corsOrigins" json:"corsOrigins" env:"REST_API_CORS_ORIGINS" env-separator:"," env-default:"*"`
}

type Tracing struct {
	Enabled         bool     `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// TransferHeaders are copied from requests into span attributes
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"OTEL_TRANSFER_HEADERS" env-separator:","`
	// SampleRatio is the share of root traces exported
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio" env:"OTEL_SAMPLE_RATIO" env-default:"1"`
	Name        string  `yaml:"-" json:"-"`
}

type Persistence struct {
	// DataDir holds the sqlite file of the embedded rqlite database, generated when empty
	DataDir string `yaml:"dataDir" json:"dataDir" env:"PERSISTENCE_DATA_DIR"`
	// ProcessCacheSize, DecisionCacheSize and DecisionRequirementsCacheSize limit cached definitions per kind
	ProcessCacheSize              int           `yaml:"processCacheSize" json:"processCacheSize" env:"PERSISTENCE_PROCESS_CACHE_SIZE" env-default:"1000"`
	DecisionCacheSize             int           `yaml:"decisionCacheSize" json:"decisionCacheSize" env:"PERSISTENCE_DECISION_CACHE_SIZE" env-default:"1000"`
	DecisionRequirementsCacheSize int           `yaml:"decisionRequirementsCacheSize" json:"decisionRequirementsCacheSize" env:"PERSISTENCE_DRD_CACHE_SIZE" env-default:"200"`
	ModelCacheSize                int           `yaml:"modelCacheSize" json:"modelCacheSize" env:"PERSISTENCE_MODEL_CACHE_SIZE" env-default:"200"`
	CacheTTL                      time.Duration `yaml:"cacheTTL" json:"cacheTTL" env:"PERSISTENCE_CACHE_TTL" env-default:"0s"` // 0 keeps entries until evicted
}

type Repository struct {
	// VersionRetryAttempts bounds retries of a deploy that lost a version assignment race
	VersionRetryAttempts uint   `yaml:"versionRetryAttempts" json:"versionRetryAttempts" env:"REPOSITORY_VERSION_RETRY_ATTEMPTS" env-default:"5"`
	DuplicateFilter      string `yaml:"duplicateFilter" json:"duplicateFilter" env:"REPOSITORY_DUPLICATE_FILTER" env-default:"source"`
	ResumeStrategy       string `yaml:"resumeStrategy" json:"resumeStrategy" env:"REPOSITORY_RESUME_STRATEGY" env-default:"BY_PROCESS_DEFINITION_KEY"`
	// ScriptPoolMinSize and ScriptPoolMaxSize size the goja pool running execution listeners
	ScriptPoolMinSize int `yaml:"scriptPoolMinSize" json:"scriptPoolMinSize" env:"REPOSITORY_SCRIPT_POOL_MIN" env-default:"1"`
	ScriptPoolMaxSize int `yaml:"scriptPoolMaxSize" json:"scriptPoolMaxSize" env:"REPOSITORY_SCRIPT_POOL_MAX" env-default:"4"`
}

type JobExecutor struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"JOB_EXECUTOR_ENABLED" env-default:"true"`
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" env:"JOB_EXECUTOR_POLL_INTERVAL" env-default:"1s"`
	BatchSize    int           `yaml:"batchSize" json:"batchSize" env:"JOB_EXECUTOR_BATCH_SIZE" env-default:"50"`
}

// ProcessApplication declares an application that deploys on startup with resume settings
type ProcessApplication struct {
	Name           string `yaml:"name" json:"name"`
	Resume         bool   `yaml:"resume" json:"resume"`
	ResumeStrategy string `yaml:"resumeStrategy" json:"resumeStrategy"`
}

func (c Config) defaults() Config {
	if c.Persistence.DataDir == "" {
		c.Persistence.DataDir = "zenrepo-" + random.String()
	}
	if c.Repository.DuplicateFilter == "" {
		c.Repository.DuplicateFilter = DuplicateFilterSource
	}
	if c.Repository.ResumeStrategy == "" {
		c.Repository.ResumeStrategy = ResumeByProcessDefinitionKey
	}
	for i, pa := range c.ProcessApplications {
		if pa.ResumeStrategy == "" {
			c.ProcessApplications[i].ResumeStrategy = c.Repository.ResumeStrategy
		}
	}
	c.Tracing.Name = c.Name
	return c
}

// Validate rejects values the repository cannot run with
func (c Config) Validate() error {
	var errJoin error
	switch c.Repository.DuplicateFilter {
	case DuplicateFilterSource, DuplicateFilterVersionTag:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown duplicate filter %q", c.Repository.DuplicateFilter))
	}
	strategies := []string{c.Repository.ResumeStrategy}
	for _, pa := range c.ProcessApplications {
		if pa.Name == "" {
			errJoin = errors.Join(errJoin, errors.New("process application without name"))
		}
		strategies = append(strategies, pa.ResumeStrategy)
	}
	for _, s := range strategies {
		if s != ResumeByProcessDefinitionKey && s != ResumeByDeploymentName {
			errJoin = errors.Join(errJoin, fmt.Errorf("unknown resume strategy %q", s))
		}
	}
	if c.NodeId < 0 || c.NodeId > 1023 {
		errJoin = errors.Join(errJoin, fmt.Errorf("node id %d out of range 0-1023", c.NodeId))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errJoin = errors.Join(errJoin, fmt.Errorf("trace sample ratio %v out of range 0-1", c.Tracing.SampleRatio))
	}
	if c.Repository.ScriptPoolMaxSize < c.Repository.ScriptPoolMinSize {
		errJoin = errors.Join(errJoin, errors.New("script pool max size is lower than min size"))
	}
	return errJoin
}

func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	c, err := readConfig(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}

func readConfig(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, err
	}
	c = c.defaults()
	return c, c.Validate()
}
