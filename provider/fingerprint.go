package provider

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// 可选的浏览器握手指纹
var helloIDs = map[string]utls.ClientHelloID{
	"chrome_auto":  utls.HelloChrome_Auto,
	"firefox_auto": utls.HelloFirefox_Auto,
	"safari_auto":  utls.HelloSafari_Auto,
	"ios_auto":     utls.HelloIOS_Auto,
	"edge_auto":    utls.HelloEdge_Auto,
}

// LookupFingerprint 按名称查找握手指纹，名称不区分大小写
func LookupFingerprint(name string) (utls.ClientHelloID, error) {
	id, ok := helloIDs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return utls.ClientHelloID{}, fmt.Errorf("未知的 TLS 指纹: %q", name)
	}
	return id, nil
}

// fingerprintDialer 以浏览器指纹完成 TLS 握手。
// net/http 无法识别 utls 连接上的 h2，ALPN 只保留 http/1.1
type fingerprintDialer struct {
	id    utls.ClientHelloID
	roots *x509.CertPool
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d *fingerprintDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	// 每次握手重新生成预设，扩展对象不可跨连接复用
	preset, err := utls.UTLSIdToSpec(d.id)
	if err != nil {
		return nil, fmt.Errorf("生成 %s 指纹失败: %w", d.id.Str(), err)
	}
	for _, ext := range preset.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	rawConn, err := d.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	uconn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		RootCAs:    d.roots,
		NextProtos: []string{"http/1.1"},
	}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&preset); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("应用 %s 指纹失败: %w", d.id.Str(), err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS握手失败: %w", err)
	}
	if p := uconn.ConnectionState().NegotiatedProtocol; p != "" && p != "http/1.1" {
		uconn.Close()
		return nil, fmt.Errorf("服务端协商了不支持的协议 %s", p)
	}
	return uconn, nil
}
