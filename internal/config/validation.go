package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on an in-memory document.
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": \"%s\"", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.errorf("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, VersionPrefix, VersionPrefix)
	}

	validateGatewayStructure(rawConfig, result)
	validateToolsStructure(rawConfig, result)
	return result
}

func validateGatewayStructure(rawConfig map[string]any, result *ValidationResult) {
	gateway, ok := rawConfig["gateway"].(map[string]any)
	if !ok {
		result.errorf("gateway", "gateway field is required and must be an object")
		return
	}

	if _, ok := gateway["baseURL"]; !ok {
		result.errorf("gateway.baseURL", "baseURL is required. Example: \"https://yt.example.com\"")
	}
	if _, ok := gateway["addr"]; !ok {
		result.errorf("gateway.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}

	if origins, ok := gateway["allowedOrigins"].([]any); !ok || len(origins) == 0 {
		result.warnf("gateway.allowedOrigins", "no allowedOrigins configured: browser-based MCP clients will be rejected by CORS")
	}

	auth, ok := gateway["auth"].(map[string]any)
	if !ok {
		result.errorf("gateway.auth", "auth section is required: the gateway always fronts tools with Google OAuth")
	} else {
		validateAuthStructure(auth, result)
	}

	if sessions, ok := gateway["sessions"].(map[string]any); ok {
		validateSessionsConfig(sessions, result)
	}
}

func validateAuthStructure(auth map[string]any, result *ValidationResult) {
	required := []struct {
		name string
		hint string
	}{
		{"issuer", ""},
		{"googleClientId", ""},
		{"googleRedirectUri", "Example: \"https://yt.example.com/oauth/callback\""},
		{"googleClientSecret", ""},
		{"jwtSecret", "Hint: Must be at least 32 bytes long for HMAC-SHA256"},
		{"encryptionKey", "Hint: Must be exactly 32 bytes for AES-256-GCM encryption"},
	}
	for _, field := range required {
		if _, ok := auth[field.name]; !ok {
			msg := fmt.Sprintf("%s is required", field.name)
			if field.hint != "" {
				msg += ". " + field.hint
			}
			result.errorf("gateway.auth."+field.name, "%s", msg)
		}
	}

	for _, name := range secretFields {
		if value, ok := auth[name]; ok {
			if err := validateEnvVarReference(value, name, "gateway.auth."+name); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	}

	for _, name := range []string{"tokenTtl", "flowTtl"} {
		if s, ok := auth[name].(string); ok {
			if _, err := time.ParseDuration(s); err != nil {
				result.errorf("gateway.auth."+name, "invalid duration '%s'. Example: \"1h\"", s)
			}
		}
	}

	storage, _ := auth["storage"].(string)
	switch storage {
	case "", string(StorageMemory):
		result.warnf("gateway.auth.storage", "memory storage loses all grants on restart")
	case string(StorageFirestore):
		if _, ok := auth["gcpProject"]; !ok {
			result.errorf("gateway.auth.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.errorf("gateway.auth.storage", "unknown storage '%s' - use 'memory' or 'firestore'", storage)
	}

	if scopes, ok := auth["scopes"].([]any); ok && !containsString(scopes, "https://www.googleapis.com/auth/youtube.readonly") {
		result.warnf("gateway.auth.scopes", "youtube.readonly scope is missing: YouTube tools will fail with insufficient permissions")
	}
}

func validateToolsStructure(rawConfig map[string]any, result *ValidationResult) {
	tools, ok := rawConfig["tools"].(map[string]any)
	if !ok {
		return
	}
	filter, ok := tools["toolFilter"].(map[string]any)
	if !ok {
		return
	}
	mode, _ := filter["mode"].(string)
	if mode != string(ToolFilterModeAllow) && mode != string(ToolFilterModeBlock) {
		result.errorf("tools.toolFilter.mode", "mode must be 'allow' or 'block'")
	}
	if list, ok := filter["list"].([]any); !ok || len(list) == 0 {
		result.warnf("tools.toolFilter.list", "empty tool filter list")
	}
}

func containsString(items []any, want string) bool {
	for _, it := range items {
		if s, ok := it.(string); ok && s == want {
			return true
		}
	}
	return false
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			result.warnf(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, strings.Trim(match, "${}"))
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}

func validateSessionsConfig(sessions map[string]any, result *ValidationResult) {
	timeoutStr, hasTimeout := sessions["timeout"].(string)
	cleanupStr, hasCleanup := sessions["cleanupInterval"].(string)
	if !hasTimeout || !hasCleanup {
		return
	}

	timeoutDur, err1 := time.ParseDuration(timeoutStr)
	cleanupDur, err2 := time.ParseDuration(cleanupStr)
	if err1 == nil && err2 == nil && cleanupDur > timeoutDur {
		result.warnf("gateway.sessions",
			"cleanupInterval (%s) is longer than timeout (%s). Expired sessions will remain in memory until cleanup runs.",
			cleanupStr, timeoutStr)
	}
}
