package config

import (
	"os"
	"strconv"
	"time"
)

// StreamTextLimit is Slack's documented per-call character ceiling for
// markdown_text in the chat.startStream/appendStream/stopStream APIs.
const StreamTextLimit = 12000

type Config struct {
	Port      int
	NatsURL   string
	NatsToken string
	LogLevel  string

	TaskSubject string
	TaskStream  string
	TaskDurable string

	SlackBotToken string

	OpenAIAPIKey string
	OpenAIOrgID  string
	Model        string

	StreamingEnabled        bool
	StreamMinAppendInterval time.Duration
	StreamMaxChunkChars     int

	TaskTimeout      time.Duration
	ImageConcurrency int
	ImageMaxBytes    int64
}

func Load() Config {
	return Config{
		Port:      envInt("TLDR_PORT", 8751),
		NatsURL:   envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken: envStr("NATS_TOKEN", ""),
		LogLevel:  envStr("LOG_LEVEL", "info"),

		TaskSubject: envStr("TLDR_TASK_SUBJECT", "tldr.tasks"),
		TaskStream:  envStr("TLDR_STREAM", "TLDR"),
		TaskDurable: envStr("TLDR_DURABLE", "tldr-worker"),

		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),

		OpenAIAPIKey: envStr("OPENAI_API_KEY", ""),
		OpenAIOrgID:  envStr("OPENAI_ORG_ID", ""),
		Model:        envStr("TLDR_MODEL", "gpt-5"),

		StreamingEnabled:        envBool("TLDR_STREAMING_ENABLED", false),
		StreamMinAppendInterval: time.Duration(envInt("TLDR_STREAM_MIN_APPEND_INTERVAL_MS", 1000)) * time.Millisecond,
		StreamMaxChunkChars:     envInt("TLDR_STREAM_MAX_CHUNK_CHARS", 4000),

		TaskTimeout:      time.Duration(envInt("TLDR_TASK_TIMEOUT_SECONDS", 840)) * time.Second,
		ImageConcurrency: envInt("TLDR_IMAGE_CONCURRENCY", 3),
		ImageMaxBytes:    int64(envInt("TLDR_IMAGE_MAX_BYTES", 64*1024)),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
