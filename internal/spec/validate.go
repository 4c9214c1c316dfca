package spec

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/tactus/internal/models"
)

// DoneTool is the built-in terminal tool every procedure may declare.
const DoneTool = "done"

// ReservedGlobals are the script builtins an agent global may not shadow.
var ReservedGlobals = []string{"Tool", "State", "Log", "Human", "Iterations", "Params"}

// Types accepted for outputs. Params additionally accept "any".
var ValueTypes = []string{"string", "integer", "number", "boolean", "array", "object"}

type Options struct {
	// KnownTools are the external tool names available besides done.
	KnownTools []string
	// KnownProviders enables provider checks when non-empty.
	KnownProviders []string
}

// Validate checks a parsed config. Findings carry no document location;
// use Check to get line and column information.
func Validate(cfg *models.ProcedureConfig, opts Options) *ValidationResult {
	return validate(cfg, locator{}, opts)
}

func validate(cfg *models.ProcedureConfig, loc locator, opts Options) *ValidationResult {
	res := &ValidationResult{}

	if strings.TrimSpace(cfg.Name) == "" {
		res.add(SeverityError, loc.at("name"), "name", "is required")
	}
	if strings.TrimSpace(cfg.Procedure) == "" {
		res.add(SeverityError, loc.at("procedure"), "procedure", "is required")
	}
	if cfg.Class != "" && cfg.Class != models.DefaultClass {
		res.add(SeverityWarning, loc.at("class"), "class", "unknown class %q, expected %s", cfg.Class, models.DefaultClass)
	}

	for _, p := range cfg.Params {
		field := "params." + p.Name
		if p.Type != "" && p.Type != "any" && !isValueType(p.Type) {
			res.add(SeverityError, loc.at("params", p.Name, "type"), field, "unknown type %q", p.Type)
			continue
		}
		if p.HasDefault && p.Default != nil && !TypeMatches(p.Type, p.Default) {
			res.add(SeverityError, loc.at("params", p.Name, "default"), field,
				"default %v does not match declared type %s", p.Default, p.Type)
		}
	}

	for _, o := range cfg.Outputs {
		field := "outputs." + o.Name
		if o.Type != "" && !isValueType(o.Type) {
			res.add(SeverityError, loc.at("outputs", o.Name, "type"), field,
				"unknown type %q, expected one of %s", o.Type, strings.Join(ValueTypes, ", "))
			continue
		}
		if o.HasDefault && o.Default != nil && !TypeMatches(o.Type, o.Default) {
			res.add(SeverityError, loc.at("outputs", o.Name, "default"), field,
				"default %v does not match declared type %s", o.Default, o.Type)
		}
	}

	known := map[string]bool{DoneTool: true}
	for _, t := range opts.KnownTools {
		known[t] = true
	}
	providers := make(map[string]bool)
	for _, p := range opts.KnownProviders {
		providers[p] = true
	}

	if cfg.DefaultProvider != "" && len(providers) > 0 && !providers[cfg.DefaultProvider] {
		res.add(SeverityError, loc.at("default_provider"), "default_provider", "unknown provider %q", cfg.DefaultProvider)
	}

	seenGlobals := make(map[string]string)
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		field := "agents." + a.Name

		global := GlobalName(a.Name)
		if slices.Contains(ReservedGlobals, global) {
			res.add(SeverityError, loc.at("agents", a.Name), field,
				"agent global %s collides with a built-in", global)
		} else if other, ok := seenGlobals[global]; ok {
			res.add(SeverityError, loc.at("agents", a.Name), field,
				"agent global %s collides with agent %q", global, other)
		}
		seenGlobals[global] = a.Name

		for j, t := range a.Tools {
			if !known[t] {
				res.add(SeverityError, loc.atIndex(j, "agents", a.Name, "tools"), field+".tools",
					"unknown tool %q", t)
			}
		}

		if len(providers) > 0 {
			if a.Provider != "" && !providers[a.Provider] {
				res.add(SeverityError, loc.at("agents", a.Name, "provider"), field+".provider",
					"unknown provider %q", a.Provider)
			}
			if cfg.EffectiveProvider(a) == "" {
				res.add(SeverityWarning, loc.at("agents", a.Name), field,
					"no provider set and no default_provider; turns will fail")
			}
			if m := cfg.EffectiveModel(a); m == nil || m.Name == "" {
				res.add(SeverityWarning, loc.at("agents", a.Name), field,
					"no model set and no default_model; turns will fail")
			}
		}
	}

	if strings.TrimSpace(cfg.Procedure) != "" {
		if ce := CheckScript(cfg.Procedure, cfg.Name); ce != nil {
			line, col := loc.scriptOffset(ce.Line, ce.Column)
			ce.Line, ce.Column = line, col
			res.Errors = append(res.Errors, ce)
		}
	}

	return res
}

// GlobalName is the script global an agent is bound to: the key with its
// first letter upper-cased and the rest lower-cased.
func GlobalName(agent string) string {
	if agent == "" {
		return ""
	}
	lower := strings.ToLower(agent)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// TypeMatches reports whether v is a value of the declared type. An empty
// type or "any" matches everything.
func TypeMatches(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func isValueType(t string) bool {
	for _, v := range ValueTypes {
		if v == t {
			return true
		}
	}
	return false
}

type position struct {
	line, column int
}

// locator maps config paths back to yaml node positions.
type locator struct {
	root  *yaml.Node
	lines []string
}

func (l locator) find(path ...string) *yaml.Node {
	if l.root == nil || len(l.root.Content) == 0 {
		return nil
	}
	node := l.root.Content[0]
	var key *yaml.Node
	for _, p := range path {
		if node == nil || node.Kind != yaml.MappingNode {
			break
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == p {
				key = node.Content[i]
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			break
		}
		node = next
	}
	return key
}

func (l locator) at(path ...string) position {
	if n := l.find(path...); n != nil {
		return position{n.Line, n.Column}
	}
	return position{}
}

func (l locator) atIndex(i int, path ...string) position {
	val := l.valueOf(path...)
	if val != nil && val.Kind == yaml.SequenceNode && i < len(val.Content) {
		return position{val.Content[i].Line, val.Content[i].Column}
	}
	return l.at(path...)
}

func (l locator) valueOf(path ...string) *yaml.Node {
	if l.root == nil || len(l.root.Content) == 0 {
		return nil
	}
	node := l.root.Content[0]
	for _, p := range path {
		if node.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == p {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		node = next
	}
	return node
}

// scriptOffset converts a script-relative position into a document position.
func (l locator) scriptOffset(line, column int) (int, int) {
	val := l.valueOf("procedure")
	if val == nil || line == 0 {
		return line, column
	}
	if val.Style&(yaml.LiteralStyle|yaml.FoldedStyle) == 0 {
		return val.Line + line - 1, column
	}
	docLine := val.Line + line
	indent := 0
	if docLine-1 < len(l.lines) {
		text := l.lines[docLine-1]
		indent = len(text) - len(strings.TrimLeft(text, " "))
	}
	return docLine, column + indent
}

var yamlLineRE = regexp.MustCompile(`line (\d+)`)

func yamlErrorPosition(err error) position {
	m := yamlLineRE.FindStringSubmatch(err.Error())
	if m == nil {
		return position{}
	}
	n, _ := strconv.Atoi(m[1])
	return position{line: n, column: 1}
}

func yamlErrorMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), "failed to parse procedure YAML: ")
	return strings.TrimSpace(msg)
}
