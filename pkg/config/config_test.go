package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test")

	cfg, err := Parse([]byte(`
server:
  port: 9000
storage:
  base_dir: /tmp/tasks
llms:
  main:
    provider: openai
    model: gpt-4o-mini
    api_key: ${TEST_API_KEY}
team:
  lead: lead
  agents:
    lead:
      prompt: You plan work.
      model: main
    researcher:
      prompt: You research.
      tools: [read_file, list_files]
      model: main
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/tmp/tasks", cfg.Storage.BaseDir)
	assert.Equal(t, 16, cfg.Storage.FsyncEvery)
	assert.Equal(t, "sk-test", cfg.LLMs["main"].APIKey)
	assert.Equal(t, LLMProviderOpenAI, cfg.LLMs["main"].Provider)
	assert.Equal(t, "lead", cfg.Team.Lead)
	assert.Equal(t, "researcher", cfg.Team.Agents["researcher"].Role)
	assert.Equal(t, []string{"read_file", "list_files"}, cfg.Team.Agents["researcher"].Tools)
	assert.Equal(t, 16, cfg.Team.Defaults.MaxToolCallsPerTurn)
}

func TestParseEnvDefaultExpansion(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := Parse([]byte(`
storage:
  base_dir: ${UNSET_DIR:-./fallback}
`))
	require.NoError(t, err)
	assert.Equal(t, "./fallback", cfg.Storage.BaseDir)
}

func TestZeroConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	require.Contains(t, cfg.LLMs, "default")
	assert.Equal(t, LLMProviderAnthropic, cfg.LLMs["default"].Provider)
	assert.Equal(t, "sk-ant", cfg.LLMs["default"].APIKey)
	assert.NotEmpty(t, cfg.Team.Lead)
	assert.NotEmpty(t, cfg.Team.Agents)
}

func TestValidateRejectsUnknownModelRef(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	_, err := Parse([]byte(`
team:
  lead: lead
  agents:
    lead:
      model: missing
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestValidateRejectsBadPort(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	_, err := Parse([]byte("server:\n  port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestAgentFallsBackToLead(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	lead := cfg.Team.Agent(cfg.Team.Lead)
	require.NotNil(t, lead)
	assert.Same(t, lead, cfg.Team.Agent("no-such-role"))
}
