// Package config centralizes how attachvault reads environment variables and
// exposes them as strongly typed Go values. The resulting Config is built once
// at startup and handed to every component that needs it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Category names the fixed set of attachment kinds.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
	CategoryScript   Category = "script"
)

// CategoryRules holds the allow-lists and limits for a single category.
type CategoryRules struct {
	Dir               string   `json:"-"`
	AllowedMimeTypes  []string `json:"allowedMimeTypes"`
	AllowedExtensions []string `json:"allowedExtensions"`
	MaxSize           int64    `json:"maxSize"`
	MaxFiles          int      `json:"maxFiles"`
}

// AllowsMime reports whether the mime type is on the allow-list.
func (r CategoryRules) AllowsMime(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, allowed := range r.AllowedMimeTypes {
		if allowed == mimeType {
			return true
		}
	}
	return false
}

// AllowsExtension reports whether the lower-cased extension (no dot) is allowed.
func (r CategoryRules) AllowsExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range r.AllowedExtensions {
		if allowed == ext {
			return true
		}
	}
	return false
}

// Config represents runtime configuration for every attachvault binary.
type Config struct {
	Address   string
	LogLevel  string
	LogFormat string

	BaseDir    string
	TmpDir     string
	Categories map[Category]CategoryRules

	Dedup        bool
	RangeEnabled bool
	CacheTTL     time.Duration

	SigningSecret []byte
	SignedURLTTL  time.Duration
	PublicBaseURL string
	JWTSecret     []byte

	ChunkLimit      int64
	SessionTTL      time.Duration
	OrphanGrace     time.Duration
	DeleteRetention time.Duration
	MaintenanceTick time.Duration
	ThumbCacheSize  int

	ProcessingPool int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3UseSSL     bool
	BackupBucket string
}

const (
	// 1 << 20 equals one MiB.
	defaultAddress         = ":8080"
	defaultBaseDir         = "data/attachments"
	defaultCacheTTL        = time.Hour
	defaultSignedTTL       = 5 * time.Minute
	defaultChunkLimit      = 8 << 20
	defaultSessionTTL      = 24 * time.Hour
	defaultOrphanGrace     = time.Hour
	defaultRetention       = 7 * 24 * time.Hour
	defaultMaintenanceTick = 10 * time.Minute
	defaultThumbCacheSize  = 512
	defaultWorkerCount     = 2
	defaultBackupBucket    = "attachvault-backup"
)

// DefaultCategories returns a fresh copy of the built-in category rules.
func DefaultCategories() map[Category]CategoryRules {
	return map[Category]CategoryRules{
		CategoryImage: {
			Dir:               "images",
			AllowedMimeTypes:  []string{"image/png", "image/jpeg", "image/webp", "image/gif"},
			AllowedExtensions: []string{"png", "jpg", "jpeg", "webp", "gif"},
			MaxSize:           10 << 20,
			MaxFiles:          10,
		},
		CategoryVideo: {
			Dir: "videos",
			AllowedMimeTypes: []string{
				"video/mp4", "video/webm", "video/ogg", "video/quicktime",
				"video/x-msvideo", "video/x-matroska", "video/x-flv",
			},
			AllowedExtensions: []string{"mp4", "webm", "ogv", "ogg", "mov", "avi", "wmv", "flv", "mkv"},
			MaxSize:           1 << 30,
			MaxFiles:          3,
		},
		CategoryDocument: {
			Dir: "document-file",
			AllowedMimeTypes: []string{
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"text/plain",
				"application/vnd.ms-powerpoint",
				"application/vnd.openxmlformats-officedocument.presentationml.presentation",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
				"application/epub+zip",
			},
			AllowedExtensions: []string{"pdf", "doc", "docx", "txt", "ppt", "pptx", "xls", "xlsx", "epub"},
			MaxSize:           50 << 20,
			MaxFiles:          1,
		},
		CategoryScript: {
			Dir: "scripts",
			AllowedMimeTypes: []string{
				"text/x-python", "application/x-msdos-program", "text/x-shellscript",
				"application/javascript", "text/x-c++src", "application/x-msdownload",
			},
			AllowedExtensions: []string{"py", "sh", "bat", "js", "cpp", "exe", "ps1"},
			MaxSize:           10 << 20,
			MaxFiles:          1,
		},
	}
}

// Default returns a Config populated only from defaults. Tests start here.
func Default() *Config {
	return &Config{
		Address:         defaultAddress,
		LogLevel:        "info",
		LogFormat:       "console",
		BaseDir:         defaultBaseDir,
		TmpDir:          os.TempDir(),
		Categories:      DefaultCategories(),
		CacheTTL:        defaultCacheTTL,
		SignedURLTTL:    defaultSignedTTL,
		ChunkLimit:      defaultChunkLimit,
		SessionTTL:      defaultSessionTTL,
		OrphanGrace:     defaultOrphanGrace,
		DeleteRetention: defaultRetention,
		MaintenanceTick: defaultMaintenanceTick,
		ThumbCacheSize:  defaultThumbCacheSize,
		ProcessingPool:  defaultWorkerCount,
		S3Region:        "us-east-1",
		BackupBucket:    defaultBackupBucket,
	}
}

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	def := Default()
	cfg := &Config{
		Address:   readEnv("ATTACHVAULT_ADDRESS", def.Address),
		LogLevel:  readEnv("ATTACHVAULT_LOG_LEVEL", def.LogLevel),
		LogFormat: readEnv("ATTACHVAULT_LOG_FORMAT", def.LogFormat),

		BaseDir:    readEnv("ATTACHVAULT_BASE_DIR", def.BaseDir),
		TmpDir:     readEnv("ATTACHVAULT_TMP_DIR", def.TmpDir),
		Categories: def.Categories,

		Dedup:        parseBool("ATTACHVAULT_DEDUP", false),
		RangeEnabled: parseBool("ATTACHVAULT_RANGE", false),
		CacheTTL:     time.Duration(parseInt64("ATTACHVAULT_CACHE_TTL_SECONDS", int64(def.CacheTTL/time.Second))) * time.Second,

		SigningSecret: parseSecret("ATTACHVAULT_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("ATTACHVAULT_SIGNED_TTL", def.SignedURLTTL),
		PublicBaseURL: strings.TrimRight(readEnv("ATTACHVAULT_PUBLIC_BASE_URL", ""), "/"),
		JWTSecret:     parseSecret("ATTACHVAULT_JWT_SECRET"),

		ChunkLimit:      parseInt64("ATTACHVAULT_CHUNK_LIMIT_BYTES", def.ChunkLimit),
		SessionTTL:      parseDuration("ATTACHVAULT_SESSION_TTL", def.SessionTTL),
		OrphanGrace:     parseDuration("ATTACHVAULT_ORPHAN_GRACE", def.OrphanGrace),
		DeleteRetention: parseDuration("ATTACHVAULT_DELETE_RETENTION", def.DeleteRetention),
		MaintenanceTick: parseDuration("ATTACHVAULT_MAINTENANCE_INTERVAL", def.MaintenanceTick),
		ThumbCacheSize:  parseInt("ATTACHVAULT_THUMB_CACHE_SIZE", def.ThumbCacheSize),

		ProcessingPool: parseInt("ATTACHVAULT_WORKERS", def.ProcessingPool),

		DatabaseURL: readEnv("ATTACHVAULT_DATABASE_URL", ""),

		RedisAddr:     readEnv("ATTACHVAULT_REDIS_ADDR", ""),
		RedisPassword: readEnv("ATTACHVAULT_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("ATTACHVAULT_REDIS_DB", 0),

		S3Endpoint:   readEnv("ATTACHVAULT_S3_ENDPOINT", ""),
		S3AccessKey:  readEnv("ATTACHVAULT_S3_ACCESS_KEY", ""),
		S3SecretKey:  readEnv("ATTACHVAULT_S3_SECRET_KEY", ""),
		S3Region:     readEnv("ATTACHVAULT_S3_REGION", def.S3Region),
		S3UseSSL:     parseBool("ATTACHVAULT_S3_USE_SSL", false),
		BackupBucket: readEnv("ATTACHVAULT_BACKUP_BUCKET", def.BackupBucket),
	}
	for name, rules := range cfg.Categories {
		key := "ATTACHVAULT_" + strings.ToUpper(string(name)) + "_MAX_BYTES"
		rules.MaxSize = parseInt64(key, rules.MaxSize)
		key = "ATTACHVAULT_" + strings.ToUpper(string(name)) + "_MAX_FILES"
		rules.MaxFiles = parseInt(key, rules.MaxFiles)
		cfg.Categories[name] = rules
	}
	if cfg.SigningSecret == nil {
		// Signed URLs issued with a random secret stop validating after a
		// restart, which is acceptable for development.
		cfg.SigningSecret = randomSecret()
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = defaultChunkLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing runtime
// failures.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base dir is required")
	}
	if c.TmpDir == "" {
		return errors.New("tmp dir is required")
	}
	if len(c.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	for name, rules := range c.Categories {
		if rules.Dir == "" || filepath.IsAbs(rules.Dir) || strings.Contains(rules.Dir, "..") {
			return fmt.Errorf("category %s: invalid directory %q", name, rules.Dir)
		}
		if rules.MaxSize <= 0 {
			return fmt.Errorf("category %s: max size must be positive", name)
		}
		if rules.MaxFiles <= 0 {
			return fmt.Errorf("category %s: max files must be positive", name)
		}
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	return nil
}

// Rules returns the rules for a category and whether it is configured.
func (c *Config) Rules(category Category) (CategoryRules, bool) {
	r, ok := c.Categories[category]
	return r, ok
}

// CategoryNames lists configured categories in stable order.
func (c *Config) CategoryNames() []Category {
	out := make([]Category, 0, len(c.Categories))
	for name := range c.Categories {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionDir is where resumable uploads keep their data and state files.
func (c *Config) SessionDir() string {
	return filepath.Join(c.TmpDir, "resumable-uploads")
}

// ThumbDir is where derived thumbnails are cached.
func (c *Config) ThumbDir() string {
	return filepath.Join(c.BaseDir, "thumbs")
}

// BackupEnabled reports whether an S3 endpoint is configured.
func (c *Config) BackupEnabled() bool {
	return c.S3Endpoint != ""
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	// Invalid input is ignored and the default wins.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
