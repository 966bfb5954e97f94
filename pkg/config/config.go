package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Cache     CacheConfig
	Gate      GateConfig
	Context   ContextConfig
	LLM       LLMConfig
	Speech    SpeechConfig
	Vector    VectorConfig
	SQLite    SQLiteConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Ingest    IngestConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	StaticDir    string
	// AllowedOrigins feeds both CORS and the CSP connect-src list.
	AllowedOrigins []string
	Development    bool
}

type SessionConfig struct {
	HistoryWindow  int
	TurnTimeoutSec int
	MaxAudioBytes  int
}

func (s SessionConfig) TurnTimeout() time.Duration {
	return time.Duration(s.TurnTimeoutSec) * time.Second
}

type CacheConfig struct {
	SimilarityThreshold float64
	SemanticCapacity    int
	ExactCapacity       int
	EmbeddingCapacity   int
}

type GateConfig struct {
	StrictRelevance bool
}

type ContextConfig struct {
	CharBudget         int
	SummaryTemperature float32
	SummaryMaxTokens   int
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	SummaryModel   string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type SpeechConfig struct {
	TranscriptionModel string
	TTSModel           string
	Voices             map[string]string
	TimeoutSec         int
}

type VectorConfig struct {
	Backend string
	TopK    int
	Dim     int
}

type SQLiteConfig struct {
	Path string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	// Tokenizer is cl100k (embedding model tokens) or prose (words).
	Tokenizer string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads config.yaml (if present) and VOICE_RAG_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/voice-rag"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("VOICE_RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarityThreshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.SemanticCapacity <= 0 || c.Cache.ExactCapacity <= 0 || c.Cache.EmbeddingCapacity <= 0 {
		return fmt.Errorf("cache capacities must be positive")
	}
	if c.Vector.TopK <= 0 {
		return fmt.Errorf("vector.topK must be positive, got %d", c.Vector.TopK)
	}
	switch c.Vector.Backend {
	case "flat", "milvus":
	default:
		return fmt.Errorf("vector.backend must be flat or milvus, got %q", c.Vector.Backend)
	}
	if c.Session.HistoryWindow <= 0 {
		return fmt.Errorf("session.historyWindow must be positive, got %d", c.Session.HistoryWindow)
	}
	switch c.Ingest.Tokenizer {
	case "cl100k", "prose":
	default:
		return fmt.Errorf("ingest.tokenizer must be cl100k or prose, got %q", c.Ingest.Tokenizer)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunkOverlap (%d) must be smaller than ingest.chunkSize (%d)", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.staticDir", "./static")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("session.historyWindow", 10)
	v.SetDefault("session.turnTimeoutSec", 60)
	v.SetDefault("session.maxAudioBytes", 8388608)

	v.SetDefault("cache.similarityThreshold", 0.85)
	v.SetDefault("cache.semanticCapacity", 256)
	v.SetDefault("cache.exactCapacity", 4096)
	v.SetDefault("cache.embeddingCapacity", 4096)

	v.SetDefault("gate.strictRelevance", false)

	v.SetDefault("context.charBudget", 2500)
	v.SetDefault("context.summaryTemperature", 0.1)
	v.SetDefault("context.summaryMaxTokens", 600)

	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.summaryModel", "gpt-4o-mini")
	v.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.maxTokens", 400)
	v.SetDefault("llm.timeoutSec", 30)

	v.SetDefault("speech.transcriptionModel", "whisper-1")
	v.SetDefault("speech.ttsModel", "tts-1")
	v.SetDefault("speech.voices", map[string]string{"pt": "nova", "en": "alloy"})
	v.SetDefault("speech.timeoutSec", 30)

	v.SetDefault("vector.backend", "flat")
	v.SetDefault("vector.topK", 5)
	v.SetDefault("vector.dim", 3072)

	v.SetDefault("sqlite.path", "./data/corpus.db")

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "support_corpus")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rateLimit.requestsPerMinute", 60)

	v.SetDefault("ingest.chunkSize", 400)
	v.SetDefault("ingest.chunkOverlap", 50)
	v.SetDefault("ingest.batchSize", 100)
	v.SetDefault("ingest.tokenizer", "cl100k")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
