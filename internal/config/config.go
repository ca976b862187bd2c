package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

const (
	// DefaultPort is the HTTP port when neither config nor PORT set one.
	DefaultPort = 3000
	// DefaultBridgeURL is the protocol sidecar address.
	DefaultBridgeURL = "ws://localhost:3001"
	// DefaultCacheTTL matches the reply cache expiry.
	DefaultCacheTTL = time.Hour
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. .env in the working directory (never overrides the real environment)
// 2. Global config (~/.config/chatbridge/)
// 3. Project config (<dir>/chatbridge.json, <dir>/.chatbridge/)
// 4. CHATBRIDGE_CONFIG file
// 5. CHATBRIDGE_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	if directory != "" {
		// Missing .env is the common case.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 2. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "chatbridge.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "chatbridge.jsonc"), globalPath)

	// 3. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".chatbridge")
		loadOnce(filepath.Join(directory, "chatbridge.json"), directory)
		loadOnce(filepath.Join(directory, "chatbridge.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "chatbridge.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "chatbridge.jsonc"), projectConfigDir)
	}

	// 4. CHATBRIDGE_CONFIG file override
	if configPath := os.Getenv("CHATBRIDGE_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 5. CHATBRIDGE_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("CHATBRIDGE_CONFIG_CONTENT"); configContent != "" {
		data := interpolate(jsonc.ToJSON([]byte(configContent)), directory)
		var inlineConfig types.Config
		if err := json.Unmarshal(data, &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 6. Environment variables (highest priority)
	applyEnvOverrides(config)

	normalizeProviderConfig(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		// Escape for JSON string
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// normalizeProviderConfig merges Options fields into direct fields.
func normalizeProviderConfig(config *types.Config) {
	for name, provider := range config.Provider {
		if provider.Options != nil {
			if provider.Options.APIKey != "" {
				provider.APIKey = provider.Options.APIKey
			}
			if provider.Options.BaseURL != "" {
				provider.BaseURL = provider.Options.BaseURL
			}
		}
		config.Provider[name] = provider
	}
}

// mergeConfig merges source config into target. Set fields of source win.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Reply != nil {
		r := reply(target)
		if source.Reply.MaxHistory != 0 {
			r.MaxHistory = source.Reply.MaxHistory
		}
		if source.Reply.Fallback != "" {
			r.Fallback = source.Reply.Fallback
		}
		if source.Reply.Timeout != 0 {
			r.Timeout = source.Reply.Timeout
		}
	}

	if source.Store != nil {
		s := storeConfig(target)
		if source.Store.Driver != "" {
			s.Driver = source.Store.Driver
		}
		if source.Store.DSN != "" {
			s.DSN = source.Store.DSN
		}
	}

	if source.Cache != nil {
		c := cacheConfig(target)
		if source.Cache.RedisURL != "" {
			c.RedisURL = source.Cache.RedisURL
		}
		if source.Cache.TTL != 0 {
			c.TTL = source.Cache.TTL
		}
	}

	if source.Transport != nil && source.Transport.BridgeURL != "" {
		transportConfig(target).BridgeURL = source.Transport.BridgeURL
	}

	if source.Reconnect != nil {
		if target.Reconnect == nil {
			target.Reconnect = &types.ReconnectConfig{}
		}
		if source.Reconnect.Initial != 0 {
			target.Reconnect.Initial = source.Reconnect.Initial
		}
		if source.Reconnect.Max != 0 {
			target.Reconnect.Max = source.Reconnect.Max
		}
	}

	if source.Server != nil && source.Server.Port != 0 {
		serverConfig(target).Port = source.Server.Port
	}
}

func reply(c *types.Config) *types.ReplyConfig {
	if c.Reply == nil {
		c.Reply = &types.ReplyConfig{}
	}
	return c.Reply
}

func storeConfig(c *types.Config) *types.StoreConfig {
	if c.Store == nil {
		c.Store = &types.StoreConfig{}
	}
	return c.Store
}

func cacheConfig(c *types.Config) *types.CacheConfig {
	if c.Cache == nil {
		c.Cache = &types.CacheConfig{}
	}
	return c.Cache
}

func transportConfig(c *types.Config) *types.TransportConfig {
	if c.Transport == nil {
		c.Transport = &types.TransportConfig{}
	}
	return c.Transport
}

func serverConfig(c *types.Config) *types.ServerConfig {
	if c.Server == nil {
		c.Server = &types.ServerConfig{}
	}
	return c.Server
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys fill in, never replace, configured keys.
	providerEnvMap := map[string][]string{
		"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"openai":    {"OPENAI_API_KEY"},
		"anthropic": {"ANTHROPIC_API_KEY"},
		"ark":       {"ARK_API_KEY"},
	}

	for provider, envVars := range providerEnvMap {
		for _, envVar := range envVars {
			apiKey := os.Getenv(envVar)
			if apiKey == "" {
				continue
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
			break
		}
	}

	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		p := config.Provider["gemini"]
		p.Model = model
		config.Provider["gemini"] = p
	}
	if model := os.Getenv("ARK_MODEL_ID"); model != "" {
		p := config.Provider["ark"]
		p.Model = model
		config.Provider["ark"] = p
	}

	if model := os.Getenv("CHATBRIDGE_MODEL"); model != "" {
		config.Model = model
	}

	if v := os.Getenv("MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			reply(config).MaxHistory = n
		}
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cacheConfig(config).RedisURL = url
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		s := storeConfig(config)
		s.Driver = "postgres"
		s.DSN = dsn
	}

	if url := os.Getenv("BRIDGE_URL"); url != "" {
		transportConfig(config).BridgeURL = url
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			serverConfig(config).Port = port
		}
	}
}

// Port returns the configured HTTP port or DefaultPort.
func Port(config *types.Config) int {
	if config.Server != nil && config.Server.Port > 0 {
		return config.Server.Port
	}
	return DefaultPort
}

// BridgeURL returns the configured sidecar address or DefaultBridgeURL.
func BridgeURL(config *types.Config) string {
	if config.Transport != nil && config.Transport.BridgeURL != "" {
		return config.Transport.BridgeURL
	}
	return DefaultBridgeURL
}

// CacheTTL returns the reply cache expiry.
func CacheTTL(config *types.Config) time.Duration {
	if config.Cache != nil && config.Cache.TTL > 0 {
		return time.Duration(config.Cache.TTL) * time.Second
	}
	return DefaultCacheTTL
}

// ReplyTimeout returns the generation timeout, zero when unbounded.
func ReplyTimeout(config *types.Config) time.Duration {
	if config.Reply != nil && config.Reply.Timeout > 0 {
		return time.Duration(config.Reply.Timeout) * time.Second
	}
	return 0
}

// ReconnectDelays returns the initial and maximum reconnect delay; zero
// values select the supervisor defaults.
func ReconnectDelays(config *types.Config) (initial, max time.Duration) {
	if config.Reconnect == nil {
		return 0, 0
	}
	return time.Duration(config.Reconnect.Initial) * time.Second,
		time.Duration(config.Reconnect.Max) * time.Second
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
