// Package file 保存转换器与目标产生的媒体文件（图片、音频等）
package file

import (
	"context"
	"fmt"
	"io"

	"github.com/ashwinyue/next-redteam/internal/config"
)

// Storage 媒体存储接口
type Storage interface {
	// Save 保存文件，返回相对路径，该路径写入 piece 的 converted_value
	Save(ctx context.Context, req *SaveRequest) (string, error)
	// Get 获取文件内容
	Get(ctx context.Context, filePath string) (io.ReadCloser, error)
	// Delete 删除文件
	Delete(ctx context.Context, filePath string) error
	// GetURL 获取访问 URL
	GetURL(filePath string) string
}

// SaveRequest 保存文件请求
type SaveRequest struct {
	FileName    string
	ContentType string
	Size        int64 // 未知时为 -1
	Reader      io.Reader
	Namespace   string // 通常为数据类型或会话 ID
}

// StorageType 存储类型
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeMinIO StorageType = "minio"
)

// NewStorageFromConfig 根据配置创建存储
func NewStorageFromConfig(cfg *config.StorageConfig) (Storage, error) {
	switch StorageType(cfg.Type) {
	case StorageTypeLocal, "":
		basePath := cfg.LocalPath
		if basePath == "" {
			basePath = "./data/media"
		}
		urlPrefix := cfg.URLPrefix
		if urlPrefix == "" {
			urlPrefix = "/media"
		}
		return NewLocalStorage(basePath, urlPrefix)

	case StorageTypeMinIO:
		m := cfg.MinIO
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" || m.BucketName == "" {
			return nil, fmt.Errorf("missing required MinIO config")
		}
		urlPrefix := cfg.URLPrefix
		if urlPrefix == "" {
			urlPrefix = m.Endpoint
		}
		return NewMinIOStorage(&MinIOConfig{
			Endpoint:   m.Endpoint,
			AccessKey:  m.AccessKey,
			SecretKey:  m.SecretKey,
			BucketName: m.BucketName,
			UseSSL:     m.UseSSL,
			URLPrefix:  urlPrefix,
		})

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// objectName 生成 {namespace}/{uuid}{ext}
func objectName(req *SaveRequest, id string) string {
	ext := extensionFor(req.FileName, req.ContentType)
	if req.Namespace == "" {
		return id + ext
	}
	return fmt.Sprintf("%s/%s%s", req.Namespace, id, ext)
}
