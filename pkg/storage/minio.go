// Package storage 封装 MinIO/S3 兼容存储的预签名操作。
// 真实环境中预签名由后端完成，这里用于本地联调和测试用的假后端。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Presigner 为指定存储桶签发预签名 URL。签名在本地完成，不访问存储服务。
type Presigner struct {
	client *minio.Client
	bucket string
}

// PresignerConfig 是签名所需的连接信息。
type PresignerConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// NewPresigner 创建预签名器。固定 Region 与 path 风格寻址，避免签名前查询桶位置。
func NewPresigner(cfg PresignerConfig) (*Presigner, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	return &Presigner{client: client, bucket: cfg.Bucket}, nil
}

// PresignPut 为对象生成预签名 PUT URL。
func (p *Presigner) PresignPut(ctx context.Context, object string, expiry time.Duration) (string, error) {
	u, err := p.client.PresignedPutObject(ctx, p.bucket, object, expiry)
	if err != nil {
		return "", fmt.Errorf("生成预签名 URL 失败: %w", err)
	}
	return u.String(), nil
}
