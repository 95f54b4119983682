package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/opinionsim/internal/config"
	"github.com/opinionsim/internal/deliberation"
	"github.com/opinionsim/internal/gateway"
)

// ConfigCheckResult holds the result of credential validation
type ConfigCheckResult struct {
	Missing  []string          // agents without a resolvable credential
	Present  map[string]string // provider credentials that are set (masked values)
	Warnings []string          // non-fatal warnings
}

// CheckCredentials reports, for every agent, whether the binding a run would
// use for it resolves a credential.
func CheckCredentials(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	keys := cfg.VendorKeys()
	for provider, key := range keys {
		result.Present[provider] = maskSecret(key)
	}

	sessionCfg := cfg.SessionConfig()
	for _, a := range cfg.SessionAgents() {
		if _, err := deliberation.ResolveModel(sessionCfg, a, keys); err == nil {
			continue
		}
		provider := gateway.NormalizeProvider(deliberation.EffectiveBinding(sessionCfg, a).Provider)
		result.Missing = append(result.Missing, fmt.Sprintf("%s (%s)", a.ID, provider))
	}

	if len(cfg.Agents) == 0 {
		result.Warnings = append(result.Warnings, "no agents configured; sessions must add agents before starting")
	}
	if cfg.Database.URL == "" && os.Getenv("DATABASE_URL") == "" {
		result.Warnings = append(result.Warnings, "no database configured; sessions are kept in memory only")
	}
	if cfg.API.JWTSecret == "" {
		result.Warnings = append(result.Warnings, "api.jwt_secret is empty; the API server runs without authentication")
	}
	return result
}

// PrintConfigCheck prints the credential check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Credential Check ===")
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Agents without a credential:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Vendor credentials:")
		providers := make([]string, 0, len(result.Present))
		for k := range result.Present {
			providers = append(providers, k)
		}
		sort.Strings(providers)
		for _, k := range providers {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ Every agent can resolve a credential")
	}

	fmt.Println("========================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
