package config

import (
	"os"
	"path/filepath"
	"regexp"
)

// AntigravityConstants are the OAuth client credentials shipped with the
// opencode-antigravity-auth plugin.
type AntigravityConstants struct {
	ClientID     string
	ClientSecret string
}

var (
	clientIDRe     = regexp.MustCompile(`ANTIGRAVITY_CLIENT_ID\s*=\s*"([^"]+)"`)
	clientSecretRe = regexp.MustCompile(`ANTIGRAVITY_CLIENT_SECRET\s*=\s*"([^"]+)"`)
)

// constantsFilePath is a variable so tests can point it at a fixture.
var constantsFilePath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opencode", "node_modules",
		"opencode-antigravity-auth", "dist", "src", "constants.d.ts")
}

// LoadAntigravityConstants reads client credentials from the installed plugin.
// It returns nil when the plugin is missing or the file has no credentials.
func LoadAntigravityConstants() *AntigravityConstants {
	path := constantsFilePath()
	if path == "" {
		return nil
	}

	content, err := os.ReadFile(path) //nolint:gosec // fixed path under the user's home
	if err != nil {
		return nil
	}

	return parseConstants(string(content))
}

func parseConstants(content string) *AntigravityConstants {
	constants := &AntigravityConstants{}

	// export declare const ANTIGRAVITY_CLIENT_ID = "...";
	if match := clientIDRe.FindStringSubmatch(content); len(match) > 1 {
		constants.ClientID = match[1]
	}
	if match := clientSecretRe.FindStringSubmatch(content); len(match) > 1 {
		constants.ClientSecret = match[1]
	}

	if constants.ClientID == "" || constants.ClientSecret == "" {
		return nil
	}

	return constants
}
