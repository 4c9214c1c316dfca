package models

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

const DefaultClass = "LuaDSL"

// ProcedureConfig is the typed form of a procedure document.
type ProcedureConfig struct {
	Name            string     `yaml:"name"`
	Version         string     `yaml:"version,omitempty"`
	Class           string     `yaml:"class,omitempty"`
	Description     string     `yaml:"description,omitempty"`
	Params          ParamList  `yaml:"params,omitempty"`
	Agents          AgentList  `yaml:"agents,omitempty"`
	Outputs         OutputList `yaml:"outputs,omitempty"`
	DefaultProvider string     `yaml:"default_provider,omitempty"`
	DefaultModel    *ModelSpec `yaml:"default_model,omitempty"`
	Procedure       string     `yaml:"procedure"`
}

// Agent looks up an agent by its document key.
func (c *ProcedureConfig) Agent(name string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// EffectiveProvider returns the agent provider, falling back to the document default.
func (c *ProcedureConfig) EffectiveProvider(a *AgentConfig) string {
	if a.Provider != "" {
		return a.Provider
	}
	return c.DefaultProvider
}

// EffectiveModel returns the agent model, falling back to the document default.
func (c *ProcedureConfig) EffectiveModel(a *AgentConfig) *ModelSpec {
	if a.Model != nil && a.Model.Name != "" {
		return a.Model
	}
	return c.DefaultModel
}

// EffectiveSettings merges model_settings with the extra keys of a structured model.
func (c *ProcedureConfig) EffectiveSettings(a *AgentConfig) map[string]any {
	out := make(map[string]any)
	if m := c.EffectiveModel(a); m != nil && m != a.Model {
		for k, v := range m.Settings {
			out[k] = v
		}
	}
	for k, v := range a.ModelSettings {
		out[k] = v
	}
	if a.Model != nil {
		for k, v := range a.Model.Settings {
			out[k] = v
		}
	}
	return out
}

// ModelSpec is either a bare model id or a mapping with a name plus
// provider-specific settings.
type ModelSpec struct {
	Name       string
	Settings   map[string]any
	Structured bool
}

func (m *ModelSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		m.Name = node.Value
		return nil
	case yaml.MappingNode:
		var raw map[string]any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		m.Structured = true
		if name, ok := raw["name"]; ok {
			s, ok := name.(string)
			if !ok {
				return fmt.Errorf("line %d: model name must be a string", node.Line)
			}
			m.Name = s
			delete(raw, "name")
		}
		if len(raw) > 0 {
			m.Settings = raw
		}
		return nil
	default:
		return fmt.Errorf("line %d: model must be a string or a mapping", node.Line)
	}
}

func (m ModelSpec) MarshalYAML() (any, error) {
	if !m.Structured {
		return m.Name, nil
	}
	n := mappingNode()
	if m.Name != "" {
		appendPair(n, "name", stringNode(m.Name))
	}
	for _, k := range sortedKeys(m.Settings) {
		v, err := valueNode(m.Settings[k])
		if err != nil {
			return nil, err
		}
		appendPair(n, k, v)
	}
	return n, nil
}

type AgentConfig struct {
	Name           string         `yaml:"-"`
	Provider       string         `yaml:"provider,omitempty"`
	Model          *ModelSpec     `yaml:"model,omitempty"`
	ModelSettings  map[string]any `yaml:"model_settings,omitempty"`
	SystemPrompt   string         `yaml:"system_prompt,omitempty"`
	InitialMessage string         `yaml:"initial_message,omitempty"`
	Tools          []string       `yaml:"tools,omitempty"`
}

type ParamDef struct {
	Name        string `yaml:"-"`
	Type        string `yaml:"type,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	HasDefault  bool   `yaml:"-"`
	Required    bool   `yaml:"required,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type OutputDef struct {
	Name        string `yaml:"-"`
	Type        string `yaml:"type,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	HasDefault  bool   `yaml:"-"`
	Description string `yaml:"description,omitempty"`
}

// AgentList keeps agents in document order.
type AgentList []AgentConfig

func (l *AgentList) UnmarshalYAML(node *yaml.Node) error {
	return decodeOrdered(node, "agents", func(name string, v *yaml.Node) error {
		a := AgentConfig{Name: name}
		if v.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: agent %q must be a mapping", v.Line, name)
		}
		if err := v.Decode(&a); err != nil {
			return err
		}
		a.Name = name
		*l = append(*l, a)
		return nil
	})
}

func (l AgentList) MarshalYAML() (any, error) {
	n := mappingNode()
	for _, a := range l {
		body := mappingNode()
		if a.Provider != "" {
			appendPair(body, "provider", stringNode(a.Provider))
		}
		if a.Model != nil {
			var m yaml.Node
			if err := m.Encode(a.Model); err != nil {
				return nil, err
			}
			appendPair(body, "model", &m)
		}
		if len(a.ModelSettings) > 0 {
			v, err := valueNode(a.ModelSettings)
			if err != nil {
				return nil, err
			}
			appendPair(body, "model_settings", v)
		}
		if a.SystemPrompt != "" {
			appendPair(body, "system_prompt", stringNode(a.SystemPrompt))
		}
		if a.InitialMessage != "" {
			appendPair(body, "initial_message", stringNode(a.InitialMessage))
		}
		if len(a.Tools) > 0 {
			var t yaml.Node
			if err := t.Encode(a.Tools); err != nil {
				return nil, err
			}
			appendPair(body, "tools", &t)
		}
		appendPair(n, a.Name, body)
	}
	return n, nil
}

// ParamList keeps params in document order.
type ParamList []ParamDef

func (l *ParamList) UnmarshalYAML(node *yaml.Node) error {
	return decodeOrdered(node, "params", func(name string, v *yaml.Node) error {
		p := ParamDef{Name: name}
		if v.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: param %q must be a mapping", v.Line, name)
		}
		if err := v.Decode(&p); err != nil {
			return err
		}
		p.Name = name
		p.HasDefault = hasKey(v, "default")
		*l = append(*l, p)
		return nil
	})
}

func (l ParamList) MarshalYAML() (any, error) {
	n := mappingNode()
	for _, p := range l {
		body := mappingNode()
		if p.Type != "" {
			appendPair(body, "type", stringNode(p.Type))
		}
		if p.HasDefault {
			v, err := valueNode(p.Default)
			if err != nil {
				return nil, err
			}
			appendPair(body, "default", v)
		}
		if p.Required {
			appendPair(body, "required", boolNode(true))
		}
		if p.Description != "" {
			appendPair(body, "description", stringNode(p.Description))
		}
		appendPair(n, p.Name, body)
	}
	return n, nil
}

// OutputList keeps output fields in document order.
type OutputList []OutputDef

func (l *OutputList) UnmarshalYAML(node *yaml.Node) error {
	return decodeOrdered(node, "outputs", func(name string, v *yaml.Node) error {
		o := OutputDef{Name: name}
		if v.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: output %q must be a mapping", v.Line, name)
		}
		if err := v.Decode(&o); err != nil {
			return err
		}
		o.Name = name
		o.HasDefault = hasKey(v, "default")
		*l = append(*l, o)
		return nil
	})
}

func (l OutputList) MarshalYAML() (any, error) {
	n := mappingNode()
	for _, o := range l {
		body := mappingNode()
		if o.Type != "" {
			appendPair(body, "type", stringNode(o.Type))
		}
		if o.Required {
			appendPair(body, "required", boolNode(true))
		}
		if o.HasDefault {
			v, err := valueNode(o.Default)
			if err != nil {
				return nil, err
			}
			appendPair(body, "default", v)
		}
		if o.Description != "" {
			appendPair(body, "description", stringNode(o.Description))
		}
		appendPair(n, o.Name, body)
	}
	return n, nil
}

func decodeOrdered(node *yaml.Node, section string, fn func(name string, v *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s must be a mapping", node.Line, section)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

func mappingNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func stringNode(s string) *yaml.Node {
	n := &yaml.Node{}
	n.SetString(s)
	return n
}

func boolNode(b bool) *yaml.Node {
	if b {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"}
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "false"}
}

func appendPair(n *yaml.Node, key string, value *yaml.Node) {
	n.Content = append(n.Content, stringNode(key), value)
}

// valueNode encodes a free-form value. Integral floats keep a trailing ".0"
// so they decode back as floats.
func valueNode(v any) (*yaml.Node, error) {
	switch val := v.(type) {
	case float64:
		s := fmt.Sprintf("%v", val)
		if val == float64(int64(val)) {
			s = fmt.Sprintf("%.1f", val)
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}, nil
	case map[string]any:
		n := mappingNode()
		for _, k := range sortedKeys(val) {
			c, err := valueNode(val[k])
			if err != nil {
				return nil, err
			}
			appendPair(n, k, c)
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range val {
			c, err := valueNode(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, c)
		}
		return n, nil
	default:
		n := &yaml.Node{}
		if err := n.Encode(v); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
