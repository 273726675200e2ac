package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/protocol"
	"djidji-uploader/internal/repository"
	"djidji-uploader/internal/service"
	"djidji-uploader/internal/validation"
	"djidji-uploader/pkg/apiclient"
	"djidji-uploader/pkg/credential"
	"djidji-uploader/pkg/database"
	"djidji-uploader/pkg/log"
)

// tokenPath 返回令牌文件路径，默认位于用户配置目录下。
func tokenPath(cfg config.Config) (string, error) {
	if cfg.Auth.TokenFile != "" {
		return cfg.Auth.TokenFile, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("无法确定配置目录: %w", err)
	}
	return filepath.Join(dir, "djidji", "token"), nil
}

// credentials 优先使用配置或参数中的固定令牌，否则读取 login 保存的令牌文件。
func credentials(cfg config.Config) (credential.Provider, error) {
	if cfg.Auth.Token != "" {
		return credential.Static(cfg.Auth.Token), nil
	}
	path, err := tokenPath(cfg)
	if err != nil {
		return nil, err
	}
	return credential.NewFileProvider(path), nil
}

func newProtocolClient(cfg config.Config) (*protocol.Client, error) {
	creds, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	opts := []apiclient.Option{apiclient.WithTimeout(time.Duration(cfg.API.TimeoutSeconds) * time.Second)}
	if cfg.API.UserAgent != "" {
		opts = append(opts, apiclient.WithHeader("User-Agent", cfg.API.UserAgent))
	}
	for k, v := range cfg.API.Headers {
		opts = append(opts, apiclient.WithHeader(k, v))
	}
	return protocol.NewClient(apiclient.New(cfg.API.BaseURL, creds, opts...), nil), nil
}

// stores 是上传历史与配额缓存。未配置 MySQL 时历史只保存在内存中，未配置 Redis 时不缓存配额。
type stores struct {
	history    repository.UploadRepository
	quotaCache repository.QuotaCache
	persistent bool
	closers    []func() error
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	st := &stores{}

	if dsn := cfg.Database.MySQL.DSN; dsn != "" {
		db, err := database.InitMySQL(dsn)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, sqlDB.Close)
		st.history = repository.NewUploadRepository(db, cfg.Agent.Name)
		st.persistent = true
	} else {
		st.history = repository.NewMemoryUploadRepository(cfg.Agent.Name)
	}

	if addr := cfg.Database.Redis.Addr; addr != "" {
		rdb, err := database.InitRedis(ctx, addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, rdb.Close)
		st.quotaCache = repository.NewRedisQuotaCache(rdb, cfg.Agent.Name, time.Duration(cfg.Cache.QuotaTTLSeconds)*time.Second)
	}
	return st, nil
}

func (st *stores) Close() {
	for _, c := range st.closers {
		if err := c(); err != nil {
			log.Warnf("[CLI] 关闭存储连接失败: %v", err)
		}
	}
	st.closers = nil
}

// newUploader 组装编排器。调用方负责 Shutdown 编排器并关闭 stores。
func newUploader(ctx context.Context, cfg config.Config) (service.UploadService, *stores, error) {
	proto, err := newProtocolClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := service.NewUploadService(proto, validation.NewRegistry(cfg.Upload.Profiles), st.history, st.quotaCache, service.OptionsFromConfig(cfg))
	return svc, st, nil
}

func shutdown(svc service.UploadService, st *stores) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Warnf("[CLI] 关闭上传服务超时: %v", err)
	}
	st.Close()
}
