package file

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const bucketCheckTimeout = 10 * time.Second

// MinIOStorage 媒体文件存放在单个 bucket，对象名为 {namespace}/{uuid}{ext}
type MinIOStorage struct {
	client    *minio.Client
	bucket    string
	urlPrefix string
}

// MinIOConfig MinIO 配置
type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
	URLPrefix  string
}

// NewMinIOStorage 连接 MinIO 并确保 bucket 存在
func NewMinIOStorage(cfg *MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bucketCheckTimeout)
	defer cancel()
	if err := ensureBucket(ctx, client, cfg.BucketName); err != nil {
		return nil, err
	}

	return &MinIOStorage{
		client:    client,
		bucket:    cfg.BucketName,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
	}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// Save 上传媒体对象，原文件名与命名空间写入对象元数据
func (s *MinIOStorage) Save(ctx context.Context, req *SaveRequest) (string, error) {
	name := objectName(req, uuid.New().String())
	size := req.Size
	if size == 0 {
		size = -1
	}

	meta := map[string]string{}
	if req.Namespace != "" {
		meta["namespace"] = req.Namespace
	}
	if req.FileName != "" {
		meta["file-name"] = req.FileName
	}

	info, err := s.client.PutObject(ctx, s.bucket, name, req.Reader, size, minio.PutObjectOptions{
		ContentType:  req.ContentType,
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to MinIO: %w", name, err)
	}
	return info.Key, nil
}

// Get 读取对象；GetObject 延迟到首次读取才报错，这里先 Stat 让缺失对象立即失败
func (s *MinIOStorage) Get(ctx context.Context, filePath string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, filePath, minio.StatObjectOptions{}); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from MinIO: %w", filePath, err)
	}
	return object, nil
}

// Delete 删除对象
func (s *MinIOStorage) Delete(ctx context.Context, filePath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, filePath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", filePath, err)
	}
	return nil
}

// GetURL 拼接公开访问地址
func (s *MinIOStorage) GetURL(filePath string) string {
	return s.urlPrefix + "/" + s.bucket + "/" + strings.TrimPrefix(filePath, "/")
}
