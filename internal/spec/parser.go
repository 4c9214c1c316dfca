package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/tactus/internal/models"
)

// Parse decodes a procedure document. It does not validate it.
func Parse(text string) (*models.ProcedureConfig, error) {
	cfg, _, err := decode(text)
	return cfg, err
}

// ParseFile reads and parses the procedure document at path.
func ParseFile(path string) (*models.ProcedureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure file: %w", err)
	}
	return Parse(string(data))
}

// Marshal renders a config back into document form.
func Marshal(cfg *models.ProcedureConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode procedure: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Check parses and validates text in one step, attaching document
// locations to every finding.
func Check(text string, opts Options) (*models.ProcedureConfig, *ValidationResult) {
	cfg, root, err := decode(text)
	if err != nil {
		res := &ValidationResult{}
		res.add(SeverityError, yamlErrorPosition(err), "", "%s", yamlErrorMessage(err))
		return nil, res
	}
	return cfg, validate(cfg, locator{root: root, lines: strings.Split(text, "\n")}, opts)
}

// Entry is one procedure document found by LoadAll. Config is nil when
// the document does not decode.
type Entry struct {
	Path   string
	Config *models.ProcedureConfig
	Result *ValidationResult
}

// Name is the document's name, or its file name without the extension.
func (e Entry) Name() string {
	if e.Config != nil && e.Config.Name != "" {
		return e.Config.Name
	}
	base := filepath.Base(e.Path)
	for _, ext := range []string{".tac.yml", ".tac.yaml", ".yml", ".yaml"} {
		if trimmed, ok := strings.CutSuffix(base, ext); ok {
			return trimmed
		}
	}
	return base
}

// CheckFunc parses and validates one document.
type CheckFunc func(text string) (*models.ProcedureConfig, *ValidationResult)

// LoadAll checks every procedure document directly inside dirs, in path
// order. Directories that don't exist are skipped. A nil check uses Check
// with no known tools or providers.
func LoadAll(dirs []string, check CheckFunc) ([]Entry, error) {
	if check == nil {
		check = func(text string) (*models.ProcedureConfig, *ValidationResult) {
			return Check(text, Options{})
		}
	}

	var out []Entry
	for _, dir := range dirs {
		found, err := loadFromDir(dir, check)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func loadFromDir(dir string, check CheckFunc) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, f := range files {
		ext := filepath.Ext(f.Name())
		if f.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg, res := check(string(data))
		out = append(out, Entry{Path: path, Config: cfg, Result: res})
	}
	return out, nil
}

func decode(text string) (*models.ProcedureConfig, *yaml.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return nil, nil, fmt.Errorf("failed to parse procedure YAML: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil, fmt.Errorf("failed to parse procedure YAML: document is empty")
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("failed to parse procedure YAML: document must be a mapping")
	}

	var cfg models.ProcedureConfig
	if err := root.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse procedure YAML: %w", err)
	}
	return &cfg, &root, nil
}

// CheckScript compiles Lua source without running it. The returned error,
// if any, carries the script-relative line and column.
func CheckScript(source, name string) *ConfigError {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		ce := &ConfigError{Field: "procedure", Message: err.Error(), Severity: SeverityError}
		if perr, ok := err.(*parse.Error); ok {
			ce.Message = strings.TrimSpace(perr.Message)
			if perr.Token != "" {
				ce.Message = fmt.Sprintf("%s near '%s'", ce.Message, perr.Token)
			}
			if perr.Pos.Line > 0 {
				ce.Line = perr.Pos.Line
				ce.Column = perr.Pos.Column
			}
		}
		return ce
	}
	if _, err := lua.Compile(chunk, name); err != nil {
		return &ConfigError{Field: "procedure", Message: strings.TrimSpace(err.Error()), Severity: SeverityError}
	}
	return nil
}
