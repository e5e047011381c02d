package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey 唯一定位一个缓存条目：大写方法 + 规范化后的绝对 URL。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 规范化方法与 URL：去掉 fragment、默认端口，scheme/host 小写，空路径补 /。
func NewRequestKey(method, rawURL string) (RequestKey, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return RequestKey{}, fmt.Errorf("parse request url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return RequestKey{}, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	return keyFromURL(method, u), nil
}

// KeyForRequest 从 http.Request 构造 RequestKey。
func KeyForRequest(req *http.Request) RequestKey {
	return keyFromURL(req.Method, req.URL)
}

func keyFromURL(method string, src *url.URL) RequestKey {
	u := *src
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = stripDefaultPort(u.Scheme, strings.ToLower(u.Host))
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: u.String()}
}

func stripDefaultPort(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// String 以 "GET https://host/path" 形式输出，用于日志与哈希。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Digest 返回 key 的 sha1 摘要，作为存储层文件名/对象名。
func (k RequestKey) Digest() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Relative 在 key 与 origin 同源时返回 path+query，否则返回完整 URL。
func (k RequestKey) Relative(origin string) string {
	u, err := url.Parse(k.URL)
	if err != nil || origin == "" {
		return k.URL
	}
	base, err := url.Parse(origin)
	if err != nil {
		return k.URL
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) ||
		u.Host != stripDefaultPort(strings.ToLower(base.Scheme), strings.ToLower(base.Host)) {
		return k.URL
	}
	return u.RequestURI()
}
