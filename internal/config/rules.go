package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules holds the signature lists used by the threat heuristics
type Rules struct {
	// IPBlacklist entries are single addresses or CIDR blocks
	IPBlacklist []string `yaml:"ip_blacklist"`
	// Signatures are matched case-insensitively against paths and user agents
	Signatures []string `yaml:"signatures"`
	// SensitivePaths are matched case-insensitively as path substrings
	SensitivePaths []string `yaml:"sensitive_paths"`
	// AgentSignatures mark scanner and bot user agents
	AgentSignatures []string `yaml:"agent_signatures"`
}

// DefaultRules returns the built-in rule set
func DefaultRules() Rules {
	return Rules{
		IPBlacklist: []string{},
		Signatures: []string{
			"union select",
			"or 1=1",
			"drop table",
			"sleep(",
			"xp_cmdshell",
			"%27",
			"/*",
			"../",
			"/etc/passwd",
			"<script",
			"sqlmap",
			"nikto",
			"masscan",
			"zgrab",
		},
		SensitivePaths: []string{
			"/admin",
			"/login",
			"/wp-admin",
			"/phpmyadmin",
			"/config",
			"/.env",
			"/.git",
			"/backup",
			"/api/",
			"/debug",
			"/console",
		},
		AgentSignatures: []string{
			"sqlmap",
			"nikto",
			"nmap",
			"scanner",
			"crawler",
			"bot",
			"spider",
			"python-requests",
			"curl",
			"wget",
			"apache-httpclient",
			"go-http-client",
		},
	}
}

// LoadRules reads a YAML rule file. Lists absent from the file keep their defaults.
// An empty path returns the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return &rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}

	return &rules, nil
}

// Validate checks that every blacklist entry is an address or CIDR block
// and that no signature is blank
func (r *Rules) Validate() error {
	for _, entry := range r.IPBlacklist {
		entry = strings.TrimSpace(entry)
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("invalid ip_blacklist entry %q", entry)
		}
	}

	lists := map[string][]string{
		"signatures":       r.Signatures,
		"sensitive_paths":  r.SensitivePaths,
		"agent_signatures": r.AgentSignatures,
	}
	for name, list := range lists {
		for _, s := range list {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s contains an empty entry", name)
			}
		}
	}

	return nil
}
