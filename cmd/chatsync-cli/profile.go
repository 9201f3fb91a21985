// ABOUTME: User profile loading for the chatsync CLI
// ABOUTME: Loads TOML profile from XDG path with environment variable expansion

package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profile holds the per-user CLI settings that sit outside the engine
// config: who you are and how the chat view behaves.
type Profile struct {
	Session SessionConfig `toml:"session"`
	Chat    ChatConfig    `toml:"chat"`
}

type SessionConfig struct {
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

type ChatConfig struct {
	DefaultPartner  string `toml:"default_partner"`
	TypingIndicator bool   `toml:"typing_indicator"`
	HistoryLimit    int    `toml:"history_limit"`
}

// LoadProfile reads the profile from the given path, expanding environment
// variables. A missing file yields an empty profile rather than an error so
// flag-only invocations still work.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{Chat: ChatConfig{HistoryLimit: 20}}, nil
		}
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	cfg := &Profile{Chat: ChatConfig{HistoryLimit: 20}}
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// ResolveToken returns the session token.
// Priority: CHATSYNC_TOKEN env var > session.token > session.token_file.
func (p *Profile) ResolveToken() (string, error) {
	if token := os.Getenv("CHATSYNC_TOKEN"); token != "" {
		return token, nil
	}
	if p.Session.Token != "" {
		return p.Session.Token, nil
	}
	if p.Session.TokenFile != "" {
		data, err := os.ReadFile(p.Session.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", p.Session.TokenFile)
		}
		return token, nil
	}
	return "", fmt.Errorf("no token configured (set CHATSYNC_TOKEN or session.token in the profile)")
}
