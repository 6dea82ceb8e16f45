// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// LinkGuard はフィード由来のリンクを取得する際のSSRF防止機能を定義する。
// 記事リンクは外部フィードが決めるため、取得前に必ず検証する。
type LinkGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// jarがnilでなければCookieを保持する。
	NewSafeClient(timeout time.Duration, jar http.CookieJar) *http.Client

	// ValidateLink はリンクの安全性をDNS解決前に静的に検証する。
	ValidateLink(rawURL string) error
}

// allowedSchemes はリンク取得で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はリンク取得でブロックされるネットワーク範囲。
// DNS解決後のIPアドレスはsafeurlがDialerレベルで検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// linkGuard はLinkGuardの実装。
type linkGuard struct {
	allowedHosts []string
}

// NewLinkGuard はLinkGuardを生成する。
// allowedHostsを指定した場合、そのホストおよびサブドメイン以外へのリンクを拒否する。
// 未指定の場合は公開アドレスであれば任意のホストを許可する。
func NewLinkGuard(allowedHosts ...string) *linkGuard {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &linkGuard{allowedHosts: hosts}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// プライベート・ループバック・リンクローカル・メタデータIPへの接続はsafeurlが遮断する。
func (g *linkGuard) NewSafeClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	if jar != nil {
		client.Jar = jar
	}
	return client
}

// ValidateLink はリンクの安全性を検証する。
func (g *linkGuard) ValidateLink(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
	} else if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if len(g.allowedHosts) > 0 && !g.isAllowedHost(host) {
		return fmt.Errorf("host not in allow list: %s", host)
	}

	return nil
}

// isAllowedHost はホストが許可リストのいずれかと一致、またはそのサブドメインかを判定する。
func (g *linkGuard) isAllowedHost(host string) bool {
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
