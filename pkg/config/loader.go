package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/erpconnect/pkg/json"
)

// Load reads a YAML (or .json) file into out after substituting ${VAR}
// references with environment values.
func Load(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path supplied by the operator
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := []byte(substituteEnvVars(string(data)))

	if strings.EqualFold(filepath.Ext(filePath), ".json") {
		if err := json.Unmarshal(content, out); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		return nil
	}

	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// LoadConnector loads, defaults and validates a single connector config.
func LoadConnector(filePath string) (*ConnectorConfig, error) {
	cfg := &ConnectorConfig{}
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a configuration as YAML. The file is created with owner-only
// permissions because it usually holds credentials.
func Save(filePath string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} with
// environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := content[start+2 : end]
		name, def, hasDefault := strings.Cut(expr, ":-")
		value, ok := os.LookupEnv(name)
		if (!ok || value == "") && hasDefault {
			value = def
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
