package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnsupportedFormat 图层或响应的数据格式无法处理，不会通过重试恢复
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrInvalidTemplate URL 模板缺少必需的占位符
	ErrInvalidTemplate = errors.New("invalid url template")

	// ErrNotTiled 瓦片化协议收到了连续范围的请求
	ErrNotTiled = errors.New("extent is not a tile address")

	// ErrBodyTooLarge 响应体超过下载器的大小上限
	ErrBodyTooLarge = errors.New("response body too large")
)

// StatusError 远端返回非 2xx 状态码
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// IsDefinitive 判断错误是否不值得重试：格式不支持、载荷超限，或 4xx（408、429 除外）
func IsDefinitive(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrNotTiled) || errors.Is(err, ErrBodyTooLarge) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 &&
			se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
	}
	return false
}
