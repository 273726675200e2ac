// Package config 负责加载和管理上传客户端的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPath 是 CLI 与 agent 默认读取的配置文件路径。
const DefaultPath = "./configs/config.yaml"

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// APIConfig 存储后端 REST API 的连接配置。
type APIConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
}

// AuthConfig 存储访问令牌的来源。Token 优先于 TokenFile。
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// UploadConfig 存储上传流程相关的配置。
type UploadConfig struct {
	// Concurrency 为批量上传与队列处理的并发上限，0 表示不限制。
	Concurrency               int                      `mapstructure:"concurrency"`
	QueueConcurrency          int                      `mapstructure:"queue_concurrency"`
	Profile                   string                   `mapstructure:"profile"`
	DeleteInvalid             bool                     `mapstructure:"delete_invalid"`
	DeleteFromStorageOnCancel bool                     `mapstructure:"delete_from_storage_on_cancel"`
	CleanupOnConfirmFailure   bool                     `mapstructure:"cleanup_on_confirm_failure"`
	Profiles                  map[string]ProfileConfig `mapstructure:"profiles"`
}

// ProfileConfig 覆盖某个校验场景的扩展名白名单与大小上限。
type ProfileConfig struct {
	Extensions []string `mapstructure:"extensions"`
	MaxSizeMB  int64    `mapstructure:"max_size_mb"`
}

// AgentConfig 存储本地 agent 控制 API 的配置。
type AgentConfig struct {
	Port  string `mapstructure:"port"`
	Mode  string `mapstructure:"mode"`
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储上传历史与配额缓存的存储配置，留空即不启用。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储上传事件投递的 Kafka 配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// CacheConfig 存储本地缓存的大小与过期时间。
type CacheConfig struct {
	StatusSize       int `mapstructure:"status_size"`
	StatusTTLSeconds int `mapstructure:"status_ttl_seconds"`
	QuotaTTLSeconds  int `mapstructure:"quota_ttl_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.timeout_seconds", 10)
	v.SetDefault("api.user_agent", "djidji-uploader/1.0")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("upload.concurrency", 3)
	v.SetDefault("upload.queue_concurrency", 1)
	v.SetDefault("upload.profile", "audio")
	v.SetDefault("upload.delete_invalid", true)
	v.SetDefault("upload.delete_from_storage_on_cancel", true)
	v.SetDefault("upload.cleanup_on_confirm_failure", false)
	v.SetDefault("agent.port", "7070")
	v.SetDefault("agent.mode", "release")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.name", "default")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "")
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "upload-events")
	v.SetDefault("kafka.group_id", "djidji-uploader")
	v.SetDefault("cache.status_size", 256)
	v.SetDefault("cache.status_ttl_seconds", 5)
	v.SetDefault("cache.quota_ttl_seconds", 300)
}

// Load 从指定路径读取 YAML 配置。文件不存在时使用默认值，
// 环境变量 DJIDJI_<SECTION>_<KEY> 覆盖文件中的值。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DJIDJI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}
