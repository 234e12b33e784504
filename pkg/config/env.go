package config

import (
	"os"
	"regexp"
	"strings"
)

var (
	// ${VAR:-default}
	envDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	// ${VAR}
	envBracePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	// $VAR
	envBarePattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// expandEnvVars substitutes environment variable references in raw YAML
// text before parsing. Most specific syntax first so ${VAR:-default} is not
// mangled by the plain ${VAR} pass.
func expandEnvVars(text string) string {
	text = envDefaultPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := envDefaultPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})
	text = envBracePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envBracePattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
	text = envBarePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envBarePattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		// Leave unknown bare references alone, they may be literal.
		return match
	})
	return text
}

// redactSecrets masks values of secret-looking keys for display.
func redactSecrets(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, key := range []string{"api_key:", "api_keys:", "token:", "secret:"} {
			if strings.HasPrefix(trimmed, key) && !strings.HasSuffix(trimmed, key) {
				idx := strings.Index(line, ":")
				lines[i] = line[:idx+1] + " \"[redacted]\""
			}
		}
	}
	return strings.Join(lines, "\n")
}
