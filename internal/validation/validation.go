// Package validation 在任何网络请求之前对文件做本地校验（扩展名、大小、MIME）。
package validation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/model"
)

const mb = 1024 * 1024

// 校验失败时展示给用户的提示。
const (
	MsgUnsupportedFormat = "Formato de archivo no soportado"
	MsgEmptyFile         = "El archivo está vacío"
	msgTooLargeFormat    = "El archivo excede el tamaño máximo permitido (%d MB)"
	msgLargeFileFormat   = "Archivo grande (%s): la subida puede tardar varios minutos"
)

// Profile 描述一个调用场景的校验规则。
type Profile struct {
	Name       string
	Extensions []string
	// MIMETypes 为空时不校验 MIME。
	MIMETypes []string
	MaxSize   int64
	// WarnSize 大于 0 时，超过该大小只产生警告。
	WarnSize int64
}

// 内置场景。
const (
	ProfileAudio = "audio"
	ProfileSong  = "song"
	ProfileCover = "cover"
)

func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileAudio: {
			Name:       ProfileAudio,
			Extensions: []string{"mp3", "wav", "ogg", "webm", "m4a", "flac", "aac", "opus", "aiff"},
			MaxSize:    100 * mb,
			WarnSize:   50 * mb,
		},
		ProfileSong: {
			Name:       ProfileSong,
			Extensions: []string{"mp3", "wav", "ogg", "m4a", "flac"},
			MaxSize:    20 * mb,
		},
		ProfileCover: {
			Name:       ProfileCover,
			Extensions: []string{"jpg", "jpeg", "png", "webp"},
			MIMETypes:  []string{"image/jpeg", "image/png", "image/webp"},
			MaxSize:    2 * mb,
		},
	}
}

// Registry 保存所有可用的校验场景。
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry 创建内置场景，并用配置中的同名项覆盖扩展名和大小上限。
// 配置中新出现的名字会成为新的场景。
func NewRegistry(overrides map[string]config.ProfileConfig) *Registry {
	profiles := builtinProfiles()
	for name, o := range overrides {
		name = strings.ToLower(name)
		p, ok := profiles[name]
		if !ok {
			p = Profile{Name: name}
		}
		if len(o.Extensions) > 0 {
			p.Extensions = normalizeExtensions(o.Extensions)
		}
		if o.MaxSizeMB > 0 {
			p.MaxSize = o.MaxSizeMB * mb
			if p.WarnSize >= p.MaxSize {
				p.WarnSize = 0
			}
		}
		profiles[name] = p
	}
	return &Registry{profiles: profiles}
}

// Get 返回指定名字的场景。
func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := r.profiles[strings.ToLower(name)]
	return p, ok
}

// Names 返回所有场景名，按字母排序。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate 按场景规则校验文件。
func (p Profile) Validate(f model.FileInfo) model.ValidationResult {
	res := model.ValidationResult{Errors: []string{}, Warnings: []string{}}

	if !p.allowsExtension(f.Name) || !p.allowsMIME(f.Type) {
		res.Errors = append(res.Errors, MsgUnsupportedFormat)
	}
	switch {
	case f.Size <= 0:
		res.Errors = append(res.Errors, MsgEmptyFile)
	case p.MaxSize > 0 && f.Size > p.MaxSize:
		res.Errors = append(res.Errors, fmt.Sprintf(msgTooLargeFormat, p.MaxSize/mb))
	case p.WarnSize > 0 && f.Size > p.WarnSize:
		res.Warnings = append(res.Warnings, fmt.Sprintf(msgLargeFileFormat, humanize.IBytes(uint64(f.Size))))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func (p Profile) allowsExtension(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range p.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (p Profile) allowsMIME(mimeType string) bool {
	if len(p.MIMETypes) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	for _, allowed := range p.MIMETypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
