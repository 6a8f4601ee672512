// Package patterns normalizes captured SQL so that statements differing only
// in literal values group together.
package patterns

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pattern represents a single normalization rule
type Pattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Placeholder string `yaml:"placeholder"`
	Description string `yaml:"description"`
}

// PatternsConfig represents the patterns configuration file
type PatternsConfig struct {
	Patterns []Pattern `yaml:"patterns"`
}

// CompiledPattern is a pattern with compiled regex
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Placeholder string
	Description string
}

// LoadPatterns loads patterns from a YAML file
func LoadPatterns(filepath string) ([]CompiledPattern, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("reading patterns file: %w", err)
	}

	var config PatternsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing patterns YAML: %w", err)
	}

	compiled := make([]CompiledPattern, 0, len(config.Patterns))
	for _, p := range config.Patterns {
		regex, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %s: %w", p.Name, err)
		}

		compiled = append(compiled, CompiledPattern{
			Name:        p.Name,
			Regex:       regex,
			Placeholder: p.Placeholder,
			Description: p.Description,
		})
	}

	return compiled, nil
}

// LoadOrDefault loads patterns from path, falling back to DefaultPatterns
// when path is empty or the file cannot be used.
func LoadOrDefault(path string) ([]CompiledPattern, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	compiled, err := LoadPatterns(path)
	if err != nil {
		return DefaultPatterns(), err
	}
	return compiled, nil
}

// DefaultPatterns returns the default compiled patterns (fallback if config file not found).
// Order matters: literals are masked before the IN-list collapse runs.
func DefaultPatterns() []CompiledPattern {
	return []CompiledPattern{
		{
			Name:        "whitespace",
			Regex:       regexp.MustCompile(`\s+`),
			Placeholder: " ",
			Description: "Collapse runs of whitespace",
		},
		{
			Name:        "string",
			Regex:       regexp.MustCompile(`'(?:[^']|'')*'`),
			Placeholder: "?",
			Description: "Single-quoted string literals",
		},
		{
			Name:        "positional",
			Regex:       regexp.MustCompile(`\$\d+`),
			Placeholder: "?",
			Description: "Numbered bind parameters",
		},
		{
			Name:        "hex",
			Regex:       regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`),
			Placeholder: "?",
			Description: "Hexadecimal literals",
		},
		{
			Name:        "number",
			Regex:       regexp.MustCompile(`\b\d+(?:\.\d+)?\b`),
			Placeholder: "?",
			Description: "Numeric literals",
		},
		{
			Name:        "in_list",
			Regex:       regexp.MustCompile(`(?i)\bIN\s*\(\s*\?(?:\s*,\s*\?)*\s*\)`),
			Placeholder: "IN (?)",
			Description: "Collapse IN lists of any length",
		},
	}
}

// Normalize applies every pattern in order and trims the result.
func Normalize(sql string, compiled []CompiledPattern) string {
	result := strings.TrimSpace(sql)
	for _, p := range compiled {
		result = p.Regex.ReplaceAllString(result, p.Placeholder)
	}
	return strings.TrimSpace(result)
}
