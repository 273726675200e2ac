package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"djidji-uploader/pkg/log"
)

// 面向用户的错误提示，与 Web 端保持一致。
const (
	MsgSessionExpired  = "Sesión expirada. Por favor, inicia sesión nuevamente."
	MsgForbidden       = "No tienes permiso para realizar esta acción."
	MsgNotFound        = "Recurso no encontrado."
	MsgTooManyRequests = "Demasiadas solicitudes. Espera un momento e inténtalo de nuevo."
	MsgTimeout         = "La solicitud tardó demasiado. Inténtalo de nuevo."
	MsgNetwork         = "Error de conexión. Verifica tu conexión a internet."
	MsgUnknown         = "Ocurrió un error desconocido."
)

// ErrSessionExpired 可用 errors.Is 匹配任意 401 错误。
var ErrSessionExpired = errors.New("apiclient: session expired")

// Kind 区分错误的来源。
type Kind string

const (
	KindHTTP    Kind = "http"
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
)

// Error 是经过拦截器归一化后的错误，Message 可直接展示给用户。
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// Detail 保存服务端原始响应体或底层错误描述，便于日志排查。
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让所有 401 错误都能匹配 ErrSessionExpired。
func (e *Error) Is(target error) bool {
	return target == ErrSessionExpired && e.StatusCode == http.StatusUnauthorized
}

// statusMessages 是固定的状态码 → 提示语映射。
var statusMessages = map[int]string{
	http.StatusUnauthorized:    MsgSessionExpired,
	http.StatusForbidden:       MsgForbidden,
	http.StatusNotFound:        MsgNotFound,
	http.StatusTooManyRequests: MsgTooManyRequests,
}

// NewStatusError 根据 HTTP 状态码和响应体构造归一化错误。
// 没有固定提示的状态码优先使用服务端返回的 detail/message/error 字段。
func NewStatusError(statusCode int, body []byte) *Error {
	e := &Error{
		Kind:       KindHTTP,
		StatusCode: statusCode,
		Detail:     strings.TrimSpace(string(body)),
	}
	if msg, ok := statusMessages[statusCode]; ok {
		e.Message = msg
		return e
	}
	if msg := payloadMessage(body); msg != "" {
		e.Message = msg
		return e
	}
	e.Message = MsgUnknown
	return e
}

// payloadMessage 从常见的错误响应格式中提取提示语。
func payloadMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "message", "error"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// transportError 将 http.Client 返回的错误归类为超时或网络错误。
// 调用方主动取消的请求原样返回，交由上层判断。
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Message: MsgTimeout, Detail: err.Error(), Err: err}
	}
	return &Error{Kind: KindNetwork, Message: MsgNetwork, Detail: err.Error(), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Normalize 返回任意错误对应的用户提示。没有对应提示的错误返回 MsgUnknown，原始错误只写入日志。
func Normalize(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if errors.Is(err, ErrSessionExpired) {
		return MsgSessionExpired
	}
	if isTimeout(err) {
		return MsgTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return MsgNetwork
	}
	log.Debugf("[APIClient] 未归类的错误: %v", err)
	return MsgUnknown
}
