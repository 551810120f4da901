package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Face provider variants.
const (
	ProviderLocal  = "local"
	ProviderRemote = "remote"
)

// Identify index backends.
const (
	IndexLinear   = "linear"
	IndexHNSW     = "hnsw"
	IndexPGVector = "pgvector"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Biometrics    BiometricsConfig
	FaceProvider  FaceProviderConfig
	Media         MediaConfig
	Attendance    AttendanceConfig
	Notifications NotificationsConfig
	Storage       StorageConfig
	Cache         CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BiometricsConfig holds the matching policy. All similarities are cosine values in [-1, 1].
type BiometricsConfig struct {
	VerificationThreshold float64
	DuplicateThreshold    float64
	// RemoteMatchThreshold is converted from the provider's percentage scale at load time.
	RemoteMatchThreshold   float64
	MinDetectionConfidence float64
	MinFaces               int
	MaxFrames              int
	MaxArchiveImages       int
	CropSize               int
	CropPadding            float64
	ThumbnailSize          int
	VerifyTimeout          time.Duration
	IdentifyIndex          string
	IdentifyMaxResults     int
}

// FaceProviderConfig selects and configures the face provider variant.
type FaceProviderConfig struct {
	Kind      string
	LocalURL  string
	RemoteURL string
	APIKey    string
	Timeout   time.Duration
}

// MediaConfig bounds enrollment media processing.
type MediaConfig struct {
	MaxUploadBytes    int64
	Workers           int
	MaxConcurrent     int64
	FFmpegPath        string
	FFprobePath       string
	MaxArchiveEntryMB int64
}

// AttendanceConfig governs lateness and clock-in windows.
type AttendanceConfig struct {
	GracePeriod   time.Duration
	Timezone      string
	EnforceWindow bool
}

// NotificationsConfig configures the fire-and-forget notification queue.
type NotificationsConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	ListKey    string
}

// StorageConfig controls where thumbnails and verification snapshots are kept.
type StorageConfig struct {
	MediaDir        string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	KeepSnapshots   bool
}

// CacheConfig governs enrollment statistics caching.
type CacheConfig struct {
	Enabled  bool
	StatsTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, err
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Biometrics = BiometricsConfig{
		VerificationThreshold:  v.GetFloat64("VERIFICATION_THRESHOLD"),
		DuplicateThreshold:     v.GetFloat64("DUPLICATE_THRESHOLD"),
		RemoteMatchThreshold:   percentToUnit(v.GetFloat64("REMOTE_MATCH_THRESHOLD_PERCENT")),
		MinDetectionConfidence: v.GetFloat64("MIN_DETECTION_CONFIDENCE"),
		MinFaces:               v.GetInt("ENROLL_MIN_FACES"),
		MaxFrames:              v.GetInt("ENROLL_MAX_FRAMES"),
		MaxArchiveImages:       v.GetInt("ENROLL_MAX_ARCHIVE_IMAGES"),
		CropSize:               v.GetInt("FACE_CROP_SIZE"),
		CropPadding:            v.GetFloat64("FACE_CROP_PADDING"),
		ThumbnailSize:          v.GetInt("THUMBNAIL_SIZE"),
		VerifyTimeout:          parseDuration(v.GetString("VERIFY_TIMEOUT"), 5*time.Second),
		IdentifyIndex:          strings.ToLower(v.GetString("IDENTIFY_INDEX")),
		IdentifyMaxResults:     v.GetInt("IDENTIFY_MAX_RESULTS"),
	}

	cfg.FaceProvider = FaceProviderConfig{
		Kind:      strings.ToLower(v.GetString("FACE_PROVIDER")),
		LocalURL:  v.GetString("FACE_LOCAL_URL"),
		RemoteURL: v.GetString("FACE_REMOTE_URL"),
		APIKey:    v.GetString("FACE_REMOTE_API_KEY"),
		Timeout:   parseDuration(v.GetString("FACE_PROVIDER_TIMEOUT"), 10*time.Second),
	}

	cfg.Media = MediaConfig{
		MaxUploadBytes:    v.GetInt64("MEDIA_MAX_UPLOAD_BYTES"),
		Workers:           v.GetInt("MEDIA_WORKERS"),
		MaxConcurrent:     v.GetInt64("ENROLL_CONCURRENCY"),
		FFmpegPath:        v.GetString("FFMPEG_PATH"),
		FFprobePath:       v.GetString("FFPROBE_PATH"),
		MaxArchiveEntryMB: v.GetInt64("MEDIA_MAX_ARCHIVE_ENTRY_MB"),
	}

	cfg.Attendance = AttendanceConfig{
		GracePeriod:   parseDuration(v.GetString("ATTENDANCE_GRACE_PERIOD"), 10*time.Minute),
		Timezone:      v.GetString("ATTENDANCE_TIMEZONE"),
		EnforceWindow: v.GetBool("ATTENDANCE_ENFORCE_WINDOW"),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled:    v.GetBool("ENABLE_NOTIFICATIONS"),
		Workers:    v.GetInt("NOTIFICATIONS_WORKERS"),
		BufferSize: v.GetInt("NOTIFICATIONS_BUFFER"),
		MaxRetries: v.GetInt("NOTIFICATIONS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATIONS_RETRY_DELAY"), 2*time.Second),
		ListKey:    v.GetString("NOTIFICATIONS_LIST_KEY"),
	}

	cfg.Storage = StorageConfig{
		MediaDir:        v.GetString("MEDIA_STORAGE_DIR"),
		SignedURLSecret: v.GetString("MEDIA_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("MEDIA_SIGNED_URL_TTL"), 30*time.Minute),
		KeepSnapshots:   v.GetBool("KEEP_VERIFICATION_SNAPSHOTS"),
	}

	cfg.Cache = CacheConfig{
		Enabled:  v.GetBool("ENABLE_CACHE"),
		StatsTTL: parseDuration(v.GetString("ENROLLMENT_STATS_CACHE_TTL"), 5*time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	b := c.Biometrics
	if b.VerificationThreshold <= -1 || b.VerificationThreshold > 1 {
		return errors.New("VERIFICATION_THRESHOLD must be a cosine similarity in (-1, 1]")
	}
	if b.DuplicateThreshold <= -1 || b.DuplicateThreshold > 1 {
		return errors.New("DUPLICATE_THRESHOLD must be a cosine similarity in (-1, 1]")
	}
	if b.RemoteMatchThreshold <= 0 || b.RemoteMatchThreshold > 1 {
		return errors.New("REMOTE_MATCH_THRESHOLD_PERCENT must be in (0, 100]")
	}
	if b.MinFaces < 1 {
		return errors.New("ENROLL_MIN_FACES must be at least 1")
	}
	if b.MaxFrames < b.MinFaces {
		return errors.New("ENROLL_MAX_FRAMES must not be below ENROLL_MIN_FACES")
	}
	switch c.FaceProvider.Kind {
	case ProviderLocal, ProviderRemote:
	default:
		return errors.New("FACE_PROVIDER must be local or remote")
	}
	switch b.IdentifyIndex {
	case IndexLinear, IndexHNSW, IndexPGVector:
	default:
		return errors.New("IDENTIFY_INDEX must be linear, hnsw or pgvector")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "faceattend")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "faceattend")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("VERIFICATION_THRESHOLD", 0.6)
	v.SetDefault("DUPLICATE_THRESHOLD", 0.95)
	v.SetDefault("REMOTE_MATCH_THRESHOLD_PERCENT", 80.0)
	v.SetDefault("MIN_DETECTION_CONFIDENCE", 0.5)
	v.SetDefault("ENROLL_MIN_FACES", 5)
	v.SetDefault("ENROLL_MAX_FRAMES", 30)
	v.SetDefault("ENROLL_MAX_ARCHIVE_IMAGES", 100)
	v.SetDefault("FACE_CROP_SIZE", 224)
	v.SetDefault("FACE_CROP_PADDING", 0.2)
	v.SetDefault("THUMBNAIL_SIZE", 150)
	v.SetDefault("VERIFY_TIMEOUT", "5s")
	v.SetDefault("IDENTIFY_INDEX", IndexHNSW)
	v.SetDefault("IDENTIFY_MAX_RESULTS", 50)

	v.SetDefault("FACE_PROVIDER", ProviderLocal)
	v.SetDefault("FACE_LOCAL_URL", "http://localhost:8000")
	v.SetDefault("FACE_REMOTE_URL", "")
	v.SetDefault("FACE_REMOTE_API_KEY", "")
	v.SetDefault("FACE_PROVIDER_TIMEOUT", "10s")

	v.SetDefault("MEDIA_MAX_UPLOAD_BYTES", 100*1024*1024)
	v.SetDefault("MEDIA_WORKERS", 4)
	v.SetDefault("ENROLL_CONCURRENCY", 2)
	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("FFPROBE_PATH", "ffprobe")
	v.SetDefault("MEDIA_MAX_ARCHIVE_ENTRY_MB", 20)

	v.SetDefault("ATTENDANCE_GRACE_PERIOD", "10m")
	v.SetDefault("ATTENDANCE_TIMEZONE", "UTC")
	v.SetDefault("ATTENDANCE_ENFORCE_WINDOW", false)

	v.SetDefault("ENABLE_NOTIFICATIONS", true)
	v.SetDefault("NOTIFICATIONS_WORKERS", 2)
	v.SetDefault("NOTIFICATIONS_BUFFER", 256)
	v.SetDefault("NOTIFICATIONS_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATIONS_RETRY_DELAY", "2s")
	v.SetDefault("NOTIFICATIONS_LIST_KEY", "attendance:notifications")

	v.SetDefault("MEDIA_STORAGE_DIR", "./media")
	v.SetDefault("MEDIA_SIGNED_URL_SECRET", "dev_media_secret")
	v.SetDefault("MEDIA_SIGNED_URL_TTL", "30m")
	v.SetDefault("KEEP_VERIFICATION_SNAPSHOTS", true)

	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("ENROLLMENT_STATS_CACHE_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

// percentToUnit converts a 0-100 provider percentage to the internal 0-1 scale.
func percentToUnit(p float64) float64 {
	return p / 100
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
