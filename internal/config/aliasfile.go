package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// modelAliasDoc is the shape of an optional YAML sub-document listing model
// aliases too numerous or too frequently churned to keep inline in the INI
// settings file (e.g. a per-customer alias table maintained outside of
// deploys).
type modelAliasDoc struct {
	Aliases map[string]string `yaml:"aliases"`
}

// loadModelAliasFile reads a YAML alias document from path. The file is
// optional: the caller only calls this when ModelAliasFile is non-empty,
// and a set path that cannot be read is returned as an error.
func loadModelAliasFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read model alias file: %w", err)
	}
	var doc modelAliasDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse model alias file %s: %w", path, err)
	}
	return doc.Aliases, nil
}

// ipWhitelistDoc is the shape of an optional YAML IP whitelist, used
// instead of the plain-text one-address-per-line format when the operator
// wants to annotate entries.
type ipWhitelistDoc struct {
	Whitelist []string `yaml:"whitelist"`
}

// LoadIPWhitelistYAML parses data as a YAML whitelist document. Callers
// fall back to the plain-text line format when ok is false (data is not
// YAML or lists no entries).
func LoadIPWhitelistYAML(data []byte) ([]string, bool) {
	var doc ipWhitelistDoc
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Whitelist) == 0 {
		return nil, false
	}
	return doc.Whitelist, true
}
