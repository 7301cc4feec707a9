package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"geostream/Store"
	"geostream/logger"
	"geostream/scheduler"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "geostream/1.0"
	// 单个载荷的大小上限
	maxBodySize = 64 << 20
)

// FetcherConfig HTTP 下载配置
type FetcherConfig struct {
	Timeout     time.Duration
	UserAgent   string
	EnableHTTP2 bool
	// MaxConnsPerHost 传输层连接上限，与调度器的主机并发上限保持一致
	MaxConnsPerHost int
	// TLSFingerprint 非空时以对应浏览器指纹握手，此时不启用 HTTP/2
	TLSFingerprint string
	// RootCAs 为空时使用系统根证书
	RootCAs *x509.CertPool
	// MaxBodySize 单个载荷的大小上限，超出视为失败
	MaxBodySize int64
	// Storage 可选的本地载荷缓存
	Storage *Store.TileStorage
	Logger  logger.Logger
}

// Fetcher 各 HTTP 协议共用的下载器：先查本地缓存，未命中再请求远端并回写
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	storage   *Store.TileStorage
	log       logger.Logger
}

// NewFetcher 创建下载器
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = maxBodySize
	}
	log := logger.WithPrefix(cfg.Logger, "fetcher")
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.RootCAs != nil {
		tr.TLSClientConfig = &tls.Config{RootCAs: cfg.RootCAs}
	}
	if cfg.TLSFingerprint != "" {
		id, err := LookupFingerprint(cfg.TLSFingerprint)
		if err != nil {
			return nil, err
		}
		fd := &fingerprintDialer{id: id, roots: cfg.RootCAs, dial: dialer.DialContext}
		tr.DialTLSContext = fd.DialTLSContext
		if cfg.EnableHTTP2 {
			log.Info("已启用 TLS 指纹 %s，HTTP/2 不可用", id.Str())
		}
	} else if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("配置 HTTP/2 失败: %w", err)
		}
	}
	return &Fetcher{
		client:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodySize,
		storage:   cfg.Storage,
		log:       log,
	}, nil
}

// Fetch 下载一个载荷。ctx 取消时返回 scheduler.ErrCancelled
func (f *Fetcher) Fetch(ctx context.Context, layerID string, d scheduler.Download) ([]byte, error) {
	key := Store.KeyForExtent(layerID, d.Extent, d.Level)
	if f.storage != nil {
		data, err := f.storage.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, Store.ErrNotFound) {
			f.log.Debug("读取本地缓存 %s 失败: %v", key, err)
		}
	}

	data, err := f.get(ctx, d.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", scheduler.ErrCancelled, ctx.Err())
		}
		return nil, err
	}

	if f.storage != nil {
		if err := f.storage.Put(ctx, key, data); err != nil {
			f.log.Warn("写入本地缓存 %s 失败: %v", key, err)
		}
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("读取响应 %s 失败: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("%w: 响应 %s 超过 %d 字节", ErrBodyTooLarge, rawURL, f.maxBody)
	}
	return data, nil
}

// checkContentType 文本或 XML 响应通常是服务端异常报告
func checkContentType(ct string) error {
	if ct == "" {
		return nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil
	}
	if strings.HasPrefix(mt, "text/") || strings.HasSuffix(mt, "xml") || mt == "application/json" {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
	}
	return nil
}
