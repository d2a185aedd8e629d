// Package cli provides the command-line interface for scanwatch.
// This file implements API key generation for the server's api.auth section.
package cli

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/config"
)

const (
	// apiKeyLength is the length of the random part of an API key
	apiKeyLength = 32
	// apiKeyPrefix is the standard prefix for all API keys
	apiKeyPrefix = "sk"
)

var apiKeyName string

// apiKeysCmd represents the apikeys command group
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Generate API keys for client authentication",
	Long: `Generate API keys for the server's api.auth section.

The server stores only bcrypt hashes. 'create' prints a new key once
together with the config entry to add; 'hash' produces the entry for a
key you already have.

Clients pass the key with --api-key or SCANWATCH_API_KEY.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var apiKeysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new API key",
	Example: `  scanwatch apikeys create --name dashboard
  export SCANWATCH_API_KEY=sk_...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := generateAPIKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "API key (shown only once): %s\n\n", key)
		return printKeyEntry(out, apiKeyName, key)
	},
}

var apiKeysHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the config entry for an existing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printKeyEntry(cmd.OutOrStdout(), apiKeyName, args[0])
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysCreateCmd, apiKeysHashCmd)
	apiKeysCmd.PersistentFlags().StringVarP(&apiKeyName, "name", "n", "default", "name recorded with the key")
}

// generateAPIKey returns a random key of the form sk_<32 base32 chars>.
func generateAPIKey() (string, error) {
	randomBytes := make([]byte, apiKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))[:apiKeyLength]
	return fmt.Sprintf("%s_%s", apiKeyPrefix, randomPart), nil
}

func printKeyEntry(w io.Writer, name, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("API key must not be empty")
	}
	hash, err := middleware.HashAPIKey(key)
	if err != nil {
		return err
	}

	entry := map[string]interface{}{
		"api": map[string]interface{}{
			"auth": map[string]interface{}{
				"enabled":  true,
				"api_keys": []config.APIKeyConfig{{Name: name, Hash: hash}},
			},
		},
	}
	data, err := yaml.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to render config entry: %w", err)
	}
	_, _ = fmt.Fprintln(w, "Add to the server config:")
	_, err = w.Write(data)
	return err
}
