package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawproxy/internal/logging"
)

// TunnelMode selects how the gateway is exposed beyond localhost.
type TunnelMode string

const (
	TunnelNone       TunnelMode = "none"
	TunnelNgrok      TunnelMode = "ngrok"
	TunnelCloudflare TunnelMode = "cloudflare"
	TunnelSSH        TunnelMode = "ssh"
)

// ParseTunnelMode validates a mode string from flags or config.
func ParseTunnelMode(s string) (TunnelMode, error) {
	switch TunnelMode(s) {
	case TunnelNone, TunnelNgrok, TunnelCloudflare, TunnelSSH:
		return TunnelMode(s), nil
	case "":
		return TunnelNone, nil
	}
	return "", fmt.Errorf("unknown tunnel mode %q (valid: none, ngrok, cloudflare, ssh)", s)
}

// Tunnel is a running tunnel subprocess, if the mode spawns one.
type Tunnel struct {
	URL string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Close terminates the tunnel subprocess. Safe on a nil tunnel and safe to
// call twice.
func (t *Tunnel) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	logging.L_debug("tunnel: terminating", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// StartTunnel exposes the listener on the given local port according to mode.
// A tunnel failure is fatal to startup: running half-exposed is worse than
// not starting.
func StartTunnel(ctx context.Context, mode TunnelMode, port int, tunnelPort int) (*Tunnel, error) {
	switch mode {
	case TunnelNone:
		logLANAddresses(port)
		return nil, nil
	case TunnelNgrok:
		return startNgrok(ctx, port)
	case TunnelCloudflare:
		return startCloudflare(ctx, port)
	case TunnelSSH:
		printSSHInstructions(port, tunnelPort)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown tunnel mode %q", mode)
}

// logLANAddresses prints the non-loopback IPv4 addresses the gateway is
// reachable on, for same-network clients.
func logLANAddresses(port int) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logging.L_warn("tunnel: cannot enumerate interfaces", "error", err)
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		logging.L_info("tunnel: reachable on LAN", "url", fmt.Sprintf("http://%s:%d", ip4, port))
	}
}

func printSSHInstructions(port int, tunnelPort int) {
	logging.L_info("tunnel: ssh reverse tunnel selected; run this on a machine with a public address:")
	logging.L_info(fmt.Sprintf("    ssh -R %d:localhost:%d user@your-vps -N", tunnelPort, port))
	logging.L_info(fmt.Sprintf("then point clients at http://your-vps:%d", tunnelPort))
}

// ngrokAPITunnels mirrors the local ngrok agent API response.
type ngrokAPITunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

// startNgrok spawns the ngrok agent and reads the public URL from its local
// API. The agent takes a moment to register, hence the retry loop.
func startNgrok(ctx context.Context, port int) (*Tunnel, error) {
	if _, err := exec.LookPath("ngrok"); err != nil {
		return nil, fmt.Errorf("ngrok not found in PATH (install from https://ngrok.com/download): %w", err)
	}

	cmd := exec.CommandContext(ctx, "ngrok", "http", fmt.Sprintf("%d", port), "--log", "stdout")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ngrok: %w", err)
	}
	t := &Tunnel{cmd: cmd}
	logging.L_debug("tunnel: ngrok started", "pid", cmd.Process.Pid)

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			t.Close()
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		url, err := queryNgrokAPI(client)
		if err != nil {
			logging.L_trace("tunnel: ngrok api not ready", "error", err)
			continue
		}
		if url != "" {
			t.URL = url
			logging.L_info("tunnel: ngrok established", "url", url)
			return t, nil
		}
	}

	t.Close()
	return nil, fmt.Errorf("ngrok did not report a public URL within 15s; check 'ngrok config check'")
}

func queryNgrokAPI(client *http.Client) (string, error) {
	resp, err := client.Get("http://127.0.0.1:4040/api/tunnels")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body ngrokAPITunnels
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	for _, tun := range body.Tunnels {
		if strings.HasPrefix(tun.PublicURL, "https://") {
			return tun.PublicURL, nil
		}
	}
	return "", nil
}

var cloudflareURLRe = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// startCloudflare spawns a quick tunnel and scrapes the assigned URL from
// cloudflared's stderr, which is the only place it appears.
func startCloudflare(ctx context.Context, port int) (*Tunnel, error) {
	if _, err := exec.LookPath("cloudflared"); err != nil {
		return nil, fmt.Errorf("cloudflared not found in PATH (install from https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/): %w", err)
	}

	cmd := exec.CommandContext(ctx, "cloudflared", "tunnel", "--url", fmt.Sprintf("http://localhost:%d", port))
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching to cloudflared stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting cloudflared: %w", err)
	}
	t := &Tunnel{cmd: cmd}
	logging.L_debug("tunnel: cloudflared started", "pid", cmd.Process.Pid)

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			logging.L_trace("cloudflared", "line", line)
			if url := cloudflareURLRe.FindString(line); url != "" {
				select {
				case urlCh <- url:
				default:
				}
			}
		}
	}()

	select {
	case url := <-urlCh:
		t.URL = url
		logging.L_info("tunnel: cloudflare established", "url", url)
		return t, nil
	case <-time.After(20 * time.Second):
		t.Close()
		return nil, fmt.Errorf("cloudflared did not report a tunnel URL within 20s")
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
}
