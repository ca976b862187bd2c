// Package config provides configuration loading, merging, and path management
// for chatbridge.
//
// # Configuration Loading
//
// Load merges configuration from several sources; later sources win:
//
//  1. .env in the working directory (joho/godotenv, never overrides the
//     process environment)
//  2. Global config (~/.config/chatbridge/chatbridge.json|jsonc)
//  3. Project config (chatbridge.json|jsonc and .chatbridge/chatbridge.json|jsonc)
//  4. CHATBRIDGE_CONFIG file
//  5. CHATBRIDGE_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Files may be JSONC; comments are stripped with tidwall/jsonc.
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} expands to an environment variable
//   - {file:path} expands to a file's contents, escaped for a JSON string;
//     relative paths resolve against the config file's directory
//
// # Environment Overrides
//
//	GEMINI_API_KEY, GOOGLE_API_KEY   provider.gemini.apiKey (if unset)
//	OPENAI_API_KEY                   provider.openai.apiKey (if unset)
//	ANTHROPIC_API_KEY                provider.anthropic.apiKey (if unset)
//	ARK_API_KEY, ARK_MODEL_ID        provider.ark
//	GEMINI_MODEL                     provider.gemini.model
//	CHATBRIDGE_MODEL                 model
//	MAX_HISTORY                      reply.maxHistory
//	REDIS_URL                        cache.redisURL
//	DATABASE_URL                     store (postgres)
//	BRIDGE_URL                       transport.bridgeURL
//	PORT                             server.port
//
// # Paths
//
// GetPaths follows the XDG base directory layout, each directory suffixed
// with "chatbridge". Storage, transport credentials, the sqlite database and
// log files live beneath them.
package config
