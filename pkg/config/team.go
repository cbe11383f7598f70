package config

import "fmt"

// TeamConfig declares the agent roles the orchestrator can brief.
type TeamConfig struct {
	// Agents maps role name to its configuration.
	Agents map[string]*AgentConfig `yaml:"agents,omitempty"`

	// Lead is the role used for planning and plan revision.
	Lead string `yaml:"lead,omitempty"`

	// Defaults apply to agents that leave the field unset.
	Defaults AgentDefaults `yaml:"defaults,omitempty"`
}

// AgentConfig configures one agent role.
type AgentConfig struct {
	// Role is the name steps are assigned to. Filled from the map key.
	Role string `yaml:"-"`

	// Prompt is the role's system prompt fragment.
	Prompt string `yaml:"prompt,omitempty"`

	// Tools names the tools visible to this role. Empty means all
	// registered tools.
	Tools []string `yaml:"tools,omitempty"`

	// Model references an entry in the top-level llms map.
	Model string `yaml:"model,omitempty"`
}

// AgentDefaults are the worker budgets and fallbacks shared by roles.
type AgentDefaults struct {
	// Model is the llms entry used when an agent names none.
	Model string `yaml:"model,omitempty"`

	// MaxToolCallsPerTurn bounds one reasoning turn.
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn,omitempty"`

	// MaxRetryCorrections bounds recoverable-error corrections per turn.
	MaxRetryCorrections int `yaml:"max_retry_corrections,omitempty"`

	// StepTimeoutSeconds is the wall-clock budget for one step.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds,omitempty"`
}

// SetDefaults fills the team with a minimal generalist when empty and
// resolves model references against the known providers.
func (c *TeamConfig) SetDefaults(llms map[string]*LLMConfig) {
	if c.Defaults.MaxToolCallsPerTurn == 0 {
		c.Defaults.MaxToolCallsPerTurn = 16
	}
	if c.Defaults.MaxRetryCorrections == 0 {
		c.Defaults.MaxRetryCorrections = 3
	}
	if c.Defaults.StepTimeoutSeconds == 0 {
		c.Defaults.StepTimeoutSeconds = 600
	}
	if c.Defaults.Model == "" {
		for name := range llms {
			if name == "default" || c.Defaults.Model == "" {
				c.Defaults.Model = name
			}
		}
	}

	if len(c.Agents) == 0 {
		c.Agents = map[string]*AgentConfig{
			"generalist": {Prompt: "You are a capable generalist who completes assigned steps carefully."},
		}
	}
	for role, agent := range c.Agents {
		if agent == nil {
			agent = &AgentConfig{}
			c.Agents[role] = agent
		}
		agent.Role = role
		if agent.Model == "" {
			agent.Model = c.Defaults.Model
		}
	}
	if c.Lead == "" {
		for role := range c.Agents {
			if role == "lead" || c.Lead == "" {
				c.Lead = role
			}
		}
	}
}

// Validate checks role wiring against the provider map.
func (c *TeamConfig) Validate(llms map[string]*LLMConfig) error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent role is required")
	}
	if _, ok := c.Agents[c.Lead]; !ok {
		return fmt.Errorf("lead role %q is not a configured agent", c.Lead)
	}
	for role, agent := range c.Agents {
		if _, ok := llms[agent.Model]; !ok {
			return fmt.Errorf("agent %q references unknown model %q", role, agent.Model)
		}
	}
	return nil
}

// Agent returns the configuration for a role, falling back to the lead
// when the role is unknown.
func (c *TeamConfig) Agent(role string) *AgentConfig {
	if a, ok := c.Agents[role]; ok {
		return a
	}
	return c.Agents[c.Lead]
}
