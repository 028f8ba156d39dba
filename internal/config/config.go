package config

import (
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Answer    AnswerConfig
	Indexing  IndexingConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr        string
	APIToken    string
	MaxUploadMB int
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Dimensions        int
	BatchSize         int
	RequestsPerSecond int
}

type AnswerConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	MaxAnswerTokens   int
	MaxFallbackTokens int
	CacheEnabled      bool
	CacheSize         int
}

type IndexingConfig struct {
	TargetTokens        int
	OverlapTokens       int
	SectionFontDelta    float64
	PollIntervalSeconds int
}

type RetrievalConfig struct {
	TopK int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:8484",
			MaxUploadMB: 50,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			BatchSize:  64,
		},
		Answer: AnswerConfig{
			BaseURL:           "https://api.anthropic.com",
			Model:             "claude-sonnet-4-5-20250929",
			MaxAnswerTokens:   900,
			MaxFallbackTokens: 500,
			CacheEnabled:      true,
			CacheSize:         256,
		},
		Indexing: IndexingConfig{
			TargetTokens:        800,
			OverlapTokens:       100,
			SectionFontDelta:    1.2,
			PollIntervalSeconds: 2,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a .env file (if present), the platform-native
// backend, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.manuald.app) and secrets
// fall back to macOS Keychain (service: manuald).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/manuald/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (MANUALD_*, plus OPENAI_API_KEY and ANTHROPIC_API_KEY
// for the upstream credentials) override backend values on all platforms.
//
// API keys are not required here: the embedding and answer clients validate
// their own credentials at construction time, so client-side commands work
// against a remote server without any upstream keys configured locally.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "manuald"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for secrets that are still empty.
	for _, s := range specs {
		if !s.secret || s.account == "" {
			continue
		}
		if cur, _ := s.extract(cfg).(string); cur != "" {
			continue
		}
		if val, err := kc.Get(keychainService, s.account); err == nil && val != "" {
			s.apply(&cfg, val)
		}
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	return cfg, nil
}

// ManualsDir is where uploaded PDF files are stored.
func (c Config) ManualsDir() string {
	return filepath.Join(c.Storage.DataDir, "manuals")
}

// MaxUploadBytes converts the configured upload cap to bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
