// Package source 抽象被上传文件的来源（磁盘文件或内存数据）。
package source

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"djidji-uploader/internal/model"
)

// Source 是一个可以被多次打开的文件句柄，重试时需要重新读取。
type Source interface {
	Info() model.FileInfo
	Open() (io.ReadCloser, error)
}

// MetadataSource 由携带额外元数据的 Source 实现，元数据随请求一起发送。
type MetadataSource interface {
	Metadata() map[string]string
}

type fileSource struct {
	path string
	info model.FileInfo
}

// FromPath 读取磁盘文件的元数据。MIME 优先按扩展名判断，无法判断时嗅探文件内容。
func FromPath(path string) (Source, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件信息失败: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s 是目录", path)
	}
	return &fileSource{
		path: path,
		info: model.FileInfo{
			Name:         filepath.Base(path),
			Size:         st.Size(),
			Type:         detectType(path),
			LastModified: st.ModTime(),
		},
	}, nil
}

func (s *fileSource) Info() model.FileInfo { return s.info }

func (s *fileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

func detectType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return strings.TrimSpace(strings.SplitN(t, ";", 2)[0])
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

type bytesSource struct {
	data []byte
	info model.FileInfo
}

// FromBytes 用内存数据构造 Source。contentType 为空时嗅探内容。
func FromBytes(name string, data []byte, contentType string) Source {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return &bytesSource{
		data: data,
		info: model.FileInfo{
			Name:         name,
			Size:         int64(len(data)),
			Type:         contentType,
			LastModified: time.Now(),
		},
	}
}

func (s *bytesSource) Info() model.FileInfo { return s.info }

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type withMetadata struct {
	Source
	meta map[string]string
}

func (w withMetadata) Metadata() map[string]string { return w.meta }

// WithMetadata 为 Source 附加元数据（如 title、artist）。
func WithMetadata(src Source, meta map[string]string) Source {
	if len(meta) == 0 {
		return src
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return withMetadata{Source: src, meta: cp}
}

// Metadata 返回 Source 携带的元数据，没有时返回空 map。
func Metadata(src Source) map[string]string {
	if m, ok := src.(MetadataSource); ok && m.Metadata() != nil {
		return m.Metadata()
	}
	return map[string]string{}
}
