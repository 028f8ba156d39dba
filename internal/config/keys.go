package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.addr", typ: kString, env: "MANUALD_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.api_token", typ: kString, env: "MANUALD_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.max_upload_mb", typ: kInt, env: "MANUALD_SERVER_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxUploadMB },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MANUALD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.base_url", typ: kString, env: "MANUALD_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, env: "OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.model", typ: kString, env: "MANUALD_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "MANUALD_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "MANUALD_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.requests_per_second", typ: kInt, env: "MANUALD_EMBEDDING_RPS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RequestsPerSecond = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.RequestsPerSecond },
	},
	{
		key: "answer.base_url", typ: kString, env: "MANUALD_ANSWER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Answer.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.BaseURL },
	},
	{
		key: "answer.api_key", typ: kString, env: "ANTHROPIC_API_KEY",
		secret: true, account: "anthropic_api_key",
		apply:   func(cfg *Config, v any) { cfg.Answer.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.APIKey },
	},
	{
		key: "answer.model", typ: kString, env: "MANUALD_ANSWER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Answer.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.Model },
	},
	{
		key: "answer.max_answer_tokens", typ: kInt, env: "MANUALD_ANSWER_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.MaxAnswerTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.MaxAnswerTokens },
	},
	{
		key: "answer.max_fallback_tokens", typ: kInt, env: "MANUALD_ANSWER_MAX_FALLBACK_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.MaxFallbackTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.MaxFallbackTokens },
	},
	{
		key: "answer.cache_enabled", typ: kBool, env: "MANUALD_ANSWER_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Answer.CacheEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Answer.CacheEnabled },
	},
	{
		key: "answer.cache_size", typ: kInt, env: "MANUALD_ANSWER_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Answer.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.CacheSize },
	},
	{
		key: "indexing.target_tokens", typ: kInt, env: "MANUALD_INDEXING_TARGET_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.TargetTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.TargetTokens },
	},
	{
		key: "indexing.overlap_tokens", typ: kInt, env: "MANUALD_INDEXING_OVERLAP_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.OverlapTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.OverlapTokens },
	},
	{
		key: "indexing.section_font_delta", typ: kFloat, env: "MANUALD_INDEXING_SECTION_FONT_DELTA",
		apply:   func(cfg *Config, v any) { cfg.Indexing.SectionFontDelta = v.(float64) },
		extract: func(cfg Config) any { return cfg.Indexing.SectionFontDelta },
	},
	{
		key: "indexing.poll_interval_seconds", typ: kInt, env: "MANUALD_INDEXING_POLL_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.PollIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.PollIntervalSeconds },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MANUALD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "log.level", typ: kString, env: "MANUALD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
