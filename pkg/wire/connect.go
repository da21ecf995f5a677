package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ConnectInfo is the payload encoded into the QR connect URL fragment. Port 0
// signals tunnel mode, in which case Host carries the full public URL
// including scheme.
type ConnectInfo struct {
	Mode string `json:"mode"` // always "p2p"
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"key"` // base64 shared secret
	V    int    `json:"v"`   // always 1
}

// BuildConnectURL renders the URL a client scans to pair with the daemon:
// scheme://host:port/terminal/connect#<percent-encoded JSON>.
func BuildConnectURL(host string, port int, secret []byte, tunnelURL string) (string, error) {
	info := ConnectInfo{
		Mode: "p2p",
		Host: host,
		Port: port,
		Key:  base64Std(secret),
		V:    1,
	}
	base := fmt.Sprintf("http://%s:%d", host, port)
	if tunnelURL != "" {
		info.Host = tunnelURL
		info.Port = 0
		base = tunnelURL
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return base + "/terminal/connect#" + url.PathEscape(string(data)), nil
}

// ParseConnectURL extracts the ConnectInfo from a connect URL fragment.
func ParseConnectURL(raw string) (*ConnectInfo, error) {
	idx := strings.Index(raw, "#")
	if idx < 0 {
		return nil, fmt.Errorf("connect url has no fragment")
	}
	frag, err := url.PathUnescape(raw[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("decode fragment: %w", err)
	}

	var info ConnectInfo
	if err := json.Unmarshal([]byte(frag), &info); err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	if info.Mode != "p2p" {
		return nil, fmt.Errorf("unsupported connect mode %q", info.Mode)
	}
	return &info, nil
}

func base64Std(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
