package types

// Config represents the chatbridge configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Model selection, "provider/model" (e.g. "gemini/gemini-2.0-flash")
	Model string `json:"model,omitempty"`

	// Provider configs keyed by provider ID
	Provider map[string]ProviderConfig `json:"provider,omitempty"`

	// Reply generation settings
	Reply *ReplyConfig `json:"reply,omitempty"`

	// Durable store settings
	Store *StoreConfig `json:"store,omitempty"`

	// Reply cache settings
	Cache *CacheConfig `json:"cache,omitempty"`

	// Transport settings
	Transport *TransportConfig `json:"transport,omitempty"`

	// Reconnect policy
	Reconnect *ReconnectConfig `json:"reconnect,omitempty"`

	// HTTP server settings
	Server *ServerConfig `json:"server,omitempty"`
}

// ProviderConfig holds configuration for a specific provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`

	// Model/Endpoint ID (for providers like ARK that require endpoint specification)
	Model string `json:"model,omitempty"`

	// Nested options (TypeScript style)
	Options *ProviderOptions `json:"options,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// ProviderOptions holds nested provider options.
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// ReplyConfig controls prompt construction and the fallback reply.
type ReplyConfig struct {
	MaxHistory int    `json:"maxHistory,omitempty"`
	Fallback   string `json:"fallback,omitempty"`
	// Timeout for a single generation call, in seconds.
	Timeout int `json:"timeout,omitempty"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `json:"driver,omitempty"` // "file" | "postgres" | "sqlite"
	DSN    string `json:"dsn,omitempty"`
}

// CacheConfig configures the reply cache.
type CacheConfig struct {
	RedisURL string `json:"redisURL,omitempty"`
	// TTL in seconds.
	TTL int `json:"ttl,omitempty"`
}

// TransportConfig configures the chat-transport adapter.
type TransportConfig struct {
	BridgeURL string `json:"bridgeURL,omitempty"`
}

// ReconnectConfig configures the reconnect delay, in seconds.
type ReconnectConfig struct {
	Initial int `json:"initial,omitempty"`
	Max     int `json:"max,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `json:"port,omitempty"`
}
