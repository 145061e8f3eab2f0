// Package config loads the proxy configuration from an optional YAML file
// overlaid with environment variables. Environment always wins, matching how
// the service is deployed (flat env vars, optionally seeded from a .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Well-known mints. SOL is the native mint sentinel used across the Solana
// ecosystem; USDC differs between clusters.
const (
	SOLMint         = "So11111111111111111111111111111111111111112"
	USDCMintMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// DefaultProgramID is the deployed sovereign deposit contract.
const DefaultProgramID = "C4UAHoYgqZ7dmS4JypAwQcJ1YzYVM86S2eA1PTUthzve"

const defaultListenAddr = ":18515"

// Config holds every runtime setting of the proxy.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	DatabasePath  string `yaml:"database_path"`

	OpenAIAPIKey     string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`

	HeliusRPCURL string `yaml:"helius_rpc_url"`
	HeliusWSURL  string `yaml:"helius_ws_url"`
	HeliusAPIKey string `yaml:"-"`
	ProgramID    string `yaml:"program_id"`

	USDCMint    string  `yaml:"usdc_mint"`
	SOLUSDCRate float64 `yaml:"sol_usdc_rate"`
}

// Load reads the optional YAML config at path (empty path skips the file),
// overlays environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setIfEnv(&c.ListenAddr, "LISTEN_ADDR")
	if c.ListenAddr == "" {
		if port := getEnv("PORT", ""); port != "" {
			c.ListenAddr = ":" + strings.TrimPrefix(port, ":")
		}
	}
	setIfEnv(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	setIfEnv(&c.DatabasePath, "DB_PATH")

	setIfEnv(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setIfEnv(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setIfEnv(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setIfEnv(&c.AnthropicBaseURL, "ANTHROPIC_BASE_URL")

	setIfEnv(&c.HeliusRPCURL, "HELIUS_RPC_URL")
	setIfEnv(&c.HeliusWSURL, "HELIUS_WS_URL")
	setIfEnv(&c.HeliusAPIKey, "HELIUS_API_KEY")
	setIfEnv(&c.ProgramID, "SOVEREIGN_CONTRACT_ADDRESS")

	setIfEnv(&c.USDCMint, "USDC_MINT")
	if rate := getEnv("SOL_USDC_RATE", ""); rate != "" {
		if parsed, err := strconv.ParseFloat(rate, 64); err == nil {
			c.SOLUSDCRate = parsed
		}
	}
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "https://api.level5.cloud"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "sovereign_proxy.db"
	}
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = "https://api.openai.com"
	}
	if c.AnthropicBaseURL == "" {
		c.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if c.HeliusRPCURL == "" {
		c.HeliusRPCURL = "https://devnet.helius-rpc.com/?api-key=" + c.HeliusAPIKey
	}
	if c.HeliusWSURL == "" {
		c.HeliusWSURL = "wss://devnet.helius-rpc.com/?api-key=" + c.HeliusAPIKey
	}
	if c.ProgramID == "" {
		c.ProgramID = DefaultProgramID
	}
	if c.USDCMint == "" {
		c.USDCMint = USDCMintDevnet
	}
	if c.SOLUSDCRate == 0 {
		c.SOLUSDCRate = 150.0
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.ProgramID == "" {
		return fmt.Errorf("program_id is required")
	}
	if c.USDCMint == "" {
		return fmt.Errorf("usdc_mint is required")
	}
	if c.SOLUSDCRate < 0 {
		return fmt.Errorf("sol_usdc_rate must be >= 0, got: %f", c.SOLUSDCRate)
	}
	return nil
}

func setIfEnv(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Trim(value, "\"'")
}
