package assistant

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed injection_patterns.yaml
var defaultInjectionYAML []byte

// InjectionPattern flags user text that tries to change who the model thinks
// it is talking to.
type InjectionPattern struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
}

type injectionFile struct {
	Patterns []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Regex       string `yaml:"regex"`
		Enabled     *bool  `yaml:"enabled"`
	} `yaml:"patterns"`
}

// ParseInjectionPatterns compiles a pattern file. Disabled entries are skipped.
func ParseInjectionPatterns(raw []byte) ([]InjectionPattern, error) {
	var file injectionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse injection patterns: %w", err)
	}

	out := make([]InjectionPattern, 0, len(file.Patterns))
	for _, item := range file.Patterns {
		if item.Enabled != nil && !*item.Enabled {
			continue
		}
		if strings.TrimSpace(item.Name) == "" {
			return nil, fmt.Errorf("injection pattern without name")
		}
		compiled, err := regexp.Compile(item.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile injection pattern %q: %w", item.Name, err)
		}
		out = append(out, InjectionPattern{Name: item.Name, Description: item.Description, Pattern: compiled})
	}
	return out, nil
}

type InjectionDetector struct {
	patterns []InjectionPattern
}

func NewInjectionDetector(patterns []InjectionPattern) *InjectionDetector {
	return &InjectionDetector{patterns: append([]InjectionPattern(nil), patterns...)}
}

// DefaultInjectionDetector uses the embedded pattern set.
func DefaultInjectionDetector() (*InjectionDetector, error) {
	patterns, err := ParseInjectionPatterns(defaultInjectionYAML)
	if err != nil {
		return nil, err
	}
	return NewInjectionDetector(patterns), nil
}

// LoadInjectionDetector reads patterns from path, or the embedded set when
// path is empty.
func LoadInjectionDetector(path string) (*InjectionDetector, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultInjectionDetector()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read injection patterns: %w", err)
	}
	patterns, err := ParseInjectionPatterns(raw)
	if err != nil {
		return nil, err
	}
	return NewInjectionDetector(patterns), nil
}

// Scan returns the names of the patterns text matches, in pattern order.
func (d *InjectionDetector) Scan(text string) []string {
	if d == nil {
		return nil
	}
	var matched []string
	for _, pattern := range d.patterns {
		if pattern.Pattern.MatchString(text) {
			matched = append(matched, pattern.Name)
		}
	}
	return matched
}
