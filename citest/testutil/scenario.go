package testutil

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScenarioConfig defines the YAML schema for scripted backend behavior.
// The fake backend matches each incoming prompt against the rules and
// plays the winning rule's frame steps back over the websocket.
type ScenarioConfig struct {
	Settings MockSettings `yaml:"settings"`
	Defaults MockDefaults `yaml:"defaults"`
	Rules    []PromptRule `yaml:"rules"`
}

// MockSettings configures fake backend behavior.
type MockSettings struct {
	StepDelayMS int `yaml:"step_delay_ms"` // Delay between scripted frames
}

// MockDefaults defines fallback behavior.
type MockDefaults struct {
	Steps []Step `yaml:"steps"` // Played when no rule matches
}

// PromptRule maps a prompt match to a scripted run.
type PromptRule struct {
	Name     string      `yaml:"name"`     // Optional rule name for debugging
	Match    MatchConfig `yaml:"match"`    // How to match the prompt
	Steps    []Step      `yaml:"steps"`    // Frames to play, in order
	Priority int         `yaml:"priority"` // Higher priority rules are checked first
}

// MatchConfig defines how to match a prompt.
type MatchConfig struct {
	// Simple string matching (case-insensitive contains)
	Contains string `yaml:"contains"`

	// All strings must be present (case-insensitive)
	ContainsAll []string `yaml:"contains_all"`

	// Any string must be present (case-insensitive)
	ContainsAny []string `yaml:"contains_any"`

	// Exact match (case-insensitive)
	Exact string `yaml:"exact"`
}

// Step is one scripted backend frame. Frame selects the wire type; the
// remaining fields fill the type-specific body. Correlation fields
// (runId, sessionId, sessionContextKey, notebookPath) are stamped by the
// fake backend from the prompt that triggered the rule.
type Step struct {
	Frame string `yaml:"frame"` // status|output|event|error|done

	// Status frames.
	State string `yaml:"state,omitempty"` // "running" | "ready"

	// Output frames.
	Text string `yaml:"text,omitempty"`
	Role string `yaml:"role,omitempty"`

	// Event frames: the raw backend payload.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Error frames.
	Message string `yaml:"message,omitempty"`

	// Done frames. A nil exit code stays null on the wire.
	ExitCode    *int `yaml:"exit_code,omitempty"`
	Cancelled   bool `yaml:"cancelled,omitempty"`
	FileChanged bool `yaml:"file_changed,omitempty"`

	// Extra delay before this step, on top of settings.step_delay_ms.
	DelayMS int `yaml:"delay_ms,omitempty"`
}

// DefaultScenario returns the built-in scenario: a plain echo run, a
// run with reasoning and command activity, a run that never finishes
// (for cancel tests), and a failing run.
func DefaultScenario() *ScenarioConfig {
	zero := 0
	one := 1
	return &ScenarioConfig{
		Settings: MockSettings{
			StepDelayMS: 2,
		},
		Defaults: MockDefaults{
			Steps: []Step{
				{Frame: "status", State: "running"},
				{Frame: "output", Text: "Understood."},
				{Frame: "done", ExitCode: &zero},
			},
		},
		Rules: []PromptRule{
			{
				Name:     "hello-world",
				Match:    MatchConfig{Contains: "hello, world"},
				Priority: 10,
				Steps: []Step{
					{Frame: "status", State: "running"},
					{Frame: "output", Text: "Hello, World!"},
					{Frame: "done", ExitCode: &zero},
				},
			},
			{
				Name:     "activity-run",
				Match:    MatchConfig{Contains: "inspect the data"},
				Priority: 10,
				Steps: []Step{
					{Frame: "status", State: "running"},
					{Frame: "event", Payload: map[string]any{
						"type": "item.completed",
						"item": map[string]any{"type": "reasoning", "text": "Looking at the dataframe shape"},
					}},
					{Frame: "event", Payload: map[string]any{
						"type": "item.started",
						"item": map[string]any{"type": "command_execution", "command": "python -c 'print(df.shape)'"},
					}},
					{Frame: "event", Payload: map[string]any{
						"type": "item.completed",
						"item": map[string]any{"type": "command_execution", "command": "python -c 'print(df.shape)'", "exit_code": 0},
					}},
					{Frame: "output", Text: "The dataframe has 100 rows."},
					{Frame: "done", ExitCode: &zero},
				},
			},
			{
				Name:     "duplicate-reasoning",
				Match:    MatchConfig{Contains: "repeat yourself"},
				Priority: 10,
				Steps: []Step{
					{Frame: "status", State: "running"},
					{Frame: "event", Payload: map[string]any{
						"type": "item.completed",
						"item": map[string]any{"type": "reasoning", "text": "Thinking about the request"},
					}},
					{Frame: "event", Payload: map[string]any{
						"type": "item.completed",
						"item": map[string]any{"type": "reasoning", "text": "Thinking about the request"},
					}},
					{Frame: "output", Text: "Done thinking."},
					{Frame: "done", ExitCode: &zero},
				},
			},
			{
				Name:     "never-finishes",
				Match:    MatchConfig{Contains: "work forever"},
				Priority: 10,
				Steps: []Step{
					{Frame: "status", State: "running"},
				},
			},
			{
				Name:     "failing-run",
				Match:    MatchConfig{Contains: "break something"},
				Priority: 10,
				Steps: []Step{
					{Frame: "status", State: "running"},
					{Frame: "done", ExitCode: &one},
				},
			},
		},
	}
}

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config ScenarioConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadScenarioFromDir looks for scenario.yaml in the given directory.
func LoadScenarioFromDir(dir string) (*ScenarioConfig, error) {
	path := filepath.Join(dir, "scenario.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "scenario.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadScenario(path)
}

// SaveScenario saves a scenario to a YAML file.
func SaveScenario(config *ScenarioConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	promptLower := strings.ToLower(prompt)

	// Exact match
	if m.Exact != "" {
		return strings.EqualFold(prompt, m.Exact)
	}

	// Contains single string
	if m.Contains != "" {
		return strings.Contains(promptLower, strings.ToLower(m.Contains))
	}

	// Contains all strings
	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(promptLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}

	// Contains any string
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(promptLower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	return false
}

// Resolve returns the steps for a prompt: the highest-priority matching
// rule, or the fallback steps when nothing matches.
func (c *ScenarioConfig) Resolve(prompt string) []Step {
	var best *PromptRule
	bestPriority := -1

	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Match.Matches(prompt) {
			if rule.Priority > bestPriority {
				best = rule
				bestPriority = rule.Priority
			}
		}
	}

	if best != nil {
		return best.Steps
	}
	return c.Defaults.Steps
}
