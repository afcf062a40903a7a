package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Inference InferenceConfig
	Detection DetectionConfig
	Auth      AuthConfig
	WeChat    WeChatConfig
	Milvus    MilvusConfig
	Pest      PestConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   int
	WriteTimeout  int
	BodyLimit     int
	IsDevelopment bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Model          string
	APIKey         string
	BaseURL        string
	SystemPrompt   string
	Temperature    float32
	TopP           float32
	MaxTokens      int
	TimeoutSec     int
	ReuseClient    bool
	EmbeddingModel string
	EmbeddingDim   int
}

type InferenceConfig struct {
	ModelPath           string
	LabelsPath          string
	UploadsDir          string
	OutputDir           string
	ConfidenceThreshold float64
	IoUThreshold        float64
	Threads             int
	ReuseEngine         bool
}

type DetectionConfig struct {
	// EmptyPolicy is "skip" or "sentinel".
	EmptyPolicy string
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTLHours int
}

type WeChatConfig struct {
	AppID   string
	Secret  string
	BaseURL string
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	ReindexCron    string
}

type PestConfig struct {
	CacheTTLSec int
	StaticDir   string
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads .env (if present), config.yaml and PESTWATCH_* environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pestwatch")

	v.SetEnvPrefix("PESTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
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
	switch c.Detection.EmptyPolicy {
	case "skip", "sentinel":
	default:
		return fmt.Errorf("invalid detection.emptyPolicy %q: want skip or sentinel", c.Detection.EmptyPolicy)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required")
	}
	if c.Inference.ConfidenceThreshold < 0 || c.Inference.ConfidenceThreshold > 1 {
		return fmt.Errorf("inference.confidenceThreshold must be within [0,1], got %v", c.Inference.ConfidenceThreshold)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 16*1024*1024)
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("sqlite.path", "./data/pest.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.model", "qwen-plus")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.systemPrompt", defaultSystemPrompt)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.topP", 0.8)
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.reuseClient", true)
	v.SetDefault("llm.embeddingModel", "text-embedding-v3")
	v.SetDefault("llm.embeddingDim", 1024)

	v.SetDefault("inference.modelPath", "./models/best.tflite")
	v.SetDefault("inference.labelsPath", "")
	v.SetDefault("inference.uploadsDir", "./uploads")
	v.SetDefault("inference.outputDir", "./detect")
	v.SetDefault("inference.confidenceThreshold", 0.25)
	v.SetDefault("inference.iouThreshold", 0.45)
	v.SetDefault("inference.threads", 0)
	v.SetDefault("inference.reuseEngine", true)

	v.SetDefault("detection.emptyPolicy", "skip")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenTTLHours", 24*7)

	v.SetDefault("wechat.appID", "")
	v.SetDefault("wechat.secret", "")
	v.SetDefault("wechat.baseURL", "https://api.weixin.qq.com")

	v.SetDefault("milvus.enabled", false)
	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "pest_embeddings")
	v.SetDefault("milvus.reindexCron", "0 3 * * *")

	v.SetDefault("pest.cacheTTLSec", 300)
	v.SetDefault("pest.staticDir", "./static")

	v.SetDefault("ratelimit.maxRequestsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

const defaultSystemPrompt = `You are an agricultural plant-protection expert specialised in crop pests and diseases.
Answer in a professional but accessible style. Every answer about a pest must cover:
identification features, occurrence pattern, and control measures (agricultural, biological, chemical),
with the relevant crop growth stage and regional applicability.
Only answer questions about crop pests and diseases. Never give vague statements or unverified remedies.
When unsure, answer: "This pest needs further laboratory diagnosis; please contact your local agricultural extension station."`
