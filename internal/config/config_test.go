package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestReadConfigFromYaml(t *testing.T) {
	file := path.Join(t.TempDir(), "conf.yaml")
	err := os.WriteFile(file, []byte(`
name: repo-test
nodeId: 7
server:
  addr: ":9090"
persistence:
  dataDir: /tmp/repo
  processCacheSize: 10
  cacheTTL: 5m
repository:
  duplicateFilter: versionTag
jobExecutor:
  pollInterval: 250ms
processApplications:
  - name: invoicing
    resume: true
  - name: shipping
    resumeStrategy: BY_DEPLOYMENT_NAME
`), 0600)
	require.NoError(t, err)

	c, err := readConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "repo-test", c.Name)
	assert.Equal(t, "repo-test", c.Tracing.Name)
	assert.Equal(t, int64(7), c.NodeId)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, "/tmp/repo", c.Persistence.DataDir)
	assert.Equal(t, 10, c.Persistence.ProcessCacheSize)
	assert.Equal(t, 1000, c.Persistence.DecisionCacheSize)
	assert.Equal(t, 5*time.Minute, c.Persistence.CacheTTL)
	assert.Equal(t, DuplicateFilterVersionTag, c.Repository.DuplicateFilter)
	assert.Equal(t, uint(5), c.Repository.VersionRetryAttempts)
	assert.Equal(t, 250*time.Millisecond, c.JobExecutor.PollInterval)
	assert.Equal(t, []string{"*"}, c.Server.CorsOrigins)
	assert.Equal(t, 1.0, c.Tracing.SampleRatio)
	require.Len(t, c.ProcessApplications, 2)
	assert.Equal(t, ResumeByProcessDefinitionKey, c.ProcessApplications[0].ResumeStrategy)
	assert.Equal(t, ResumeByDeploymentName, c.ProcessApplications[1].ResumeStrategy)
}

func TestMarshaledConfigReadsBack(t *testing.T) {
	c := Config{
		Name:   "repo-marshal",
		NodeId: 12,
		Server: Server{Context: "/api", Addr: ":9191", CorsOrigins: []string{"https://modeler.example"}},
		Tracing: Tracing{
			Endpoint:        "collector:4318",
			SampleRatio:     0.5,
			TransferHeaders: []string{"X-Request-Id", "X-Tenant"},
		},
		Persistence: Persistence{
			DataDir:          "/var/lib/repo",
			ProcessCacheSize: 42,
			CacheTTL:         90 * time.Second,
		},
		Repository: Repository{
			VersionRetryAttempts: 3,
			DuplicateFilter:      DuplicateFilterVersionTag,
			ResumeStrategy:       ResumeByDeploymentName,
			ScriptPoolMinSize:    2,
			ScriptPoolMaxSize:    8,
		},
		JobExecutor: JobExecutor{Enabled: true, PollInterval: 3 * time.Second, BatchSize: 7},
		ProcessApplications: []ProcessApplication{
			{Name: "billing", Resume: true, ResumeStrategy: ResumeByProcessDefinitionKey},
		},
	}
	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	file := path.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(file, out, 0600))

	read, err := readConfig(file)
	require.NoError(t, err)
	assert.Equal(t, c.Server, read.Server)
	assert.Equal(t, c.NodeId, read.NodeId)
	assert.Equal(t, c.Tracing.TransferHeaders, read.Tracing.TransferHeaders)
	assert.Equal(t, "repo-marshal", read.Tracing.Name)
	assert.Equal(t, 0.5, read.Tracing.SampleRatio)
	assert.Equal(t, c.Persistence.CacheTTL, read.Persistence.CacheTTL)
	assert.Equal(t, c.Repository, read.Repository)
	assert.Equal(t, c.JobExecutor, read.JobExecutor)
	assert.Equal(t, c.ProcessApplications, read.ProcessApplications)
	require.NoError(t, read.Validate())
}

func TestReadConfigFromEnv(t *testing.T) {
	t.Setenv("REST_API_ADDR", ":7070")
	t.Setenv("REPOSITORY_RESUME_STRATEGY", ResumeByDeploymentName)

	c, err := readConfig(path.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.Server.Addr)
	assert.Equal(t, ResumeByDeploymentName, c.Repository.ResumeStrategy)
	assert.NotEmpty(t, c.Persistence.DataDir)
}

func TestValidate(t *testing.T) {
	c := Config{
		NodeId:  2000,
		Tracing: Tracing{SampleRatio: 1.5},
		Repository: Repository{
			DuplicateFilter:   "bytes",
			ResumeStrategy:    "BY_NOTHING",
			ScriptPoolMinSize: 3,
			ScriptPoolMaxSize: 1,
		},
		ProcessApplications: []ProcessApplication{{ResumeStrategy: ResumeByDeploymentName}},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown duplicate filter")
	assert.Contains(t, err.Error(), "unknown resume strategy")
	assert.Contains(t, err.Error(), "process application without name")
	assert.Contains(t, err.Error(), "node id 2000")
	assert.Contains(t, err.Error(), "script pool")
	assert.Contains(t, err.Error(), "sample ratio")
}
