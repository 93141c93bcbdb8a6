package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mobileproxy/models"

	log "github.com/sirupsen/logrus"
)

// Prober checks a forward from the host side: whether its local port accepts
// connections, and which public address traffic sent through it leaves from.
type Prober struct {
	timeout    time.Duration
	ipServices []string
}

func NewProber(timeout time.Duration, ipServices []string) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{timeout: timeout, ipServices: ipServices}
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// CheckPort reports whether something accepts TCP connections on localPort.
func (p *Prober) CheckPort(ctx context.Context, localPort int) bool {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", localAddr(localPort))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// PublicIP asks the configured IP services for our address, using the
// forward on localPort as an HTTP proxy. The first service that answers
// with a valid address wins.
func (p *Prober) PublicIP(ctx context.Context, localPort int) (string, bool) {
	proxyURL := &url.URL{Scheme: "http", Host: localAddr(localPort)}
	client := &http.Client{
		Timeout:   p.timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	for _, service := range p.ipServices {
		ip, err := fetchIP(ctx, client, service)
		if err != nil {
			log.WithFields(log.Fields{"service": service, "local_port": localPort}).WithError(err).Debug("ip service failed")
			continue
		}
		return ip, true
	}
	return "", false
}

func fetchIP(ctx context.Context, client *http.Client, service string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var payload struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", err
		}
		text = payload.IP
	}
	if net.ParseIP(text) == nil {
		return "", fmt.Errorf("not an ip address: %q", text)
	}
	return text, nil
}

// Probe checks a connection. The public IP is only looked up when the local
// port is reachable.
func (p *Prober) Probe(ctx context.Context, conn *models.Connection) models.ProbeResult {
	res := models.ProbeResult{ConnectionID: conn.ID, LocalPort: conn.LocalPort}
	res.Reachable = p.CheckPort(ctx, conn.LocalPort)
	if res.Reachable {
		res.PublicIP, _ = p.PublicIP(ctx, conn.LocalPort)
	}
	return res
}
