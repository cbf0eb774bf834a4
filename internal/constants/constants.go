package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixIdempotency = "idem:"
	CacheKeyPrefixBreaker     = "breaker:"
)

const (
	DefaultCompletionTopic = "job_completions"
)

const (
	DefaultMongoDBName = "magpie"
	JobsCollection     = "jobs"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	SignatureHeader = "X-Magpie-Signature"
	TimestampHeader = "X-Magpie-Timestamp"
	SignaturePrefix = "sha256="
)

const (
	DefaultMaxSkew        = 5 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
)

const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultPollInterval   = time.Second
	DefaultMaxAttempts    = 4
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	SourceTikTok    = "tiktok"
	SourceInstagram = "instagram"
	SourceReddit    = "reddit"
)
