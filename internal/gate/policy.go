package gate

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk gate configuration (~/.warden/policy.yaml).
//
//	enabled: true
//	categories:
//	  shell: gate
//	  file_write: gate
//	  network: deny
//	allowlist:
//	  - tool: shell
//	    pattern: "^git (status|log)"
//	  - tool: read_file
//	    pattern: "^/home/"
type Policy struct {
	Enabled    *bool             `yaml:"enabled,omitempty"`
	Categories map[string]string `yaml:"categories,omitempty"`
	Allowlist  []AllowRule       `yaml:"allowlist,omitempty"`
}

type AllowRule struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern"`
}

func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("nil policy")
	}
	for cat, act := range p.Categories {
		switch Action(act) {
		case ActionAllow, ActionGate, ActionDeny:
		default:
			return fmt.Errorf("category %q: unknown action %q", cat, act)
		}
	}
	for i, r := range p.Allowlist {
		if r.Tool == "" {
			return fmt.Errorf("allowlist[%d]: missing tool", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("allowlist[%d]: bad pattern: %w", i, err)
		}
	}
	return nil
}

// LoadPolicy reads the YAML policy file. A missing file yields an empty
// policy (defaults apply), not an error.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Policy{}, nil
		}
		return nil, err
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}
