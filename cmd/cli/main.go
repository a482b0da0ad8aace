package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// 会话冒烟工具：可选拉起服务，按能力创建会话，打印占用的设备后结束会话

type sessionResponse struct {
	Value struct {
		SessionID    string                 `json:"sessionId"`
		Capabilities map[string]interface{} `json:"capabilities"`
	} `json:"value"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type deviceView struct {
	UDID       string `json:"udid"`
	Platform   string `json:"platform"`
	DeviceType string `json:"device_type"`
	Name       string `json:"name"`
	SDK        string `json:"sdk"`
	Host       string `json:"host"`
	Busy       bool   `json:"busy"`
	Blocked    bool   `json:"user_blocked"`
	Offline    bool   `json:"offline"`
	SessionID  string `json:"session_id"`
}

type listResponse struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Data    []deviceView `json:"data"`
}

// parse host and port from base server URL, fallback to defaultPort
func parseHostPort(base string, defaultPort int) (string, int) {
	host := "localhost"
	port := defaultPort
	u, err := url.Parse(strings.TrimSpace(base))
	if err == nil {
		if h := u.Hostname(); h != "" {
			host = h
		}
		if ps := u.Port(); ps != "" {
			if p, e := strconv.Atoi(ps); e == nil {
				port = p
			}
		}
	}
	if port <= 0 {
		port = defaultPort
	}
	return host, port
}

func isPortOpen(host string, port int) bool {
	for _, h := range []string{host, "127.0.0.1", "::1"} {
		if h == "" {
			continue
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(h, strconv.Itoa(port)), 300*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

func waitForPortReady(host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if isPortOpen(host, port) {
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
	return fmt.Errorf("port %d not ready within %s", port, timeout)
}

func startServer(serverMain, configPath string) (*exec.Cmd, error) {
	cmd := exec.Command("go", "run", serverMain, "-config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func defaultPayload(platform, udid string) []byte {
	always := map[string]interface{}{"platformName": platform}
	if udid != "" {
		always["appium:udid"] = udid
	}
	b, _ := json.Marshal(map[string]interface{}{
		"capabilities": map[string]interface{}{"alwaysMatch": always},
	})
	return b
}

func listDevices(client *http.Client, base string) ([]deviceView, error) {
	resp, err := client.Get(base + "/device-farm/api/devices")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return out.Data, nil
}

func printDevices(devices []deviceView) {
	fmt.Printf("%-36s %-8s %-11s %-24s %-8s %-6s %s\n", "UDID", "PLATFORM", "TYPE", "NAME", "SDK", "STATE", "HOST")
	for _, d := range devices {
		state := "free"
		switch {
		case d.Offline:
			state = "offline"
		case d.Blocked:
			state = "block"
		case d.Busy:
			state = "busy"
		}
		fmt.Printf("%-36s %-8s %-11s %-24s %-8s %-6s %s\n", d.UDID, d.Platform, d.DeviceType, d.Name, d.SDK, state, d.Host)
	}
}

func main() {
	server := flag.String("server", "http://localhost:4723", "Server base URL")
	platform := flag.String("platform", "Android", "platformName of the session request")
	udid := flag.String("udid", "", "Optional udid to pin the session to")
	payloadFile := flag.String("payload", "", "Optional JSON file overriding the session request")
	hold := flag.Duration("hold", 0, "Keep the session open for this long before deleting it")
	timeout := flag.Duration("http_timeout", 10*time.Minute, "HTTP client timeout")
	listOnly := flag.Bool("list", false, "Only print the device list")
	startServerFlag := flag.Bool("start_server", false, "Auto start server if not listening")
	startTimeout := flag.Duration("start_timeout", 20*time.Second, "Wait for server port ready")
	serverMain := flag.String("server_main", "cmd/server/main.go", "Path to server main.go to run")
	configPath := flag.String("config", "configs/config.yaml", "Config passed to the started server")
	flag.Parse()

	base := strings.TrimRight(*server, "/")
	host, port := parseHostPort(base, 4723)

	if !isPortOpen(host, port) {
		if !*startServerFlag {
			fmt.Printf("Server %s is not listening\n", base)
			os.Exit(1)
		}
		fmt.Printf("Starting server: go run %s\n", *serverMain)
		cmd, err := startServer(*serverMain, *configPath)
		if err != nil {
			fmt.Printf("Failed to start server: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}()
		if err := waitForPortReady(host, port, *startTimeout); err != nil {
			fmt.Printf("Server not ready: %v\n", err)
			os.Exit(1)
		}
	}

	client := &http.Client{Timeout: *timeout}

	devices, err := listDevices(client, base)
	if err != nil {
		fmt.Printf("List devices failed: %v\n", err)
		os.Exit(1)
	}
	printDevices(devices)
	if *listOnly {
		return
	}

	payload := defaultPayload(*platform, *udid)
	if *payloadFile != "" {
		payload, err = os.ReadFile(*payloadFile)
		if err != nil {
			fmt.Printf("Read payload failed: %v\n", err)
			os.Exit(1)
		}
	}

	started := time.Now()
	resp, err := client.Post(base+"/session", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Printf("Create session failed: %v\n", err)
		os.Exit(1)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var created sessionResponse
	_ = json.Unmarshal(body, &created)
	if resp.StatusCode != http.StatusOK || created.Value.SessionID == "" {
		fmt.Printf("Create session returned %d after %s: %s %s\n", resp.StatusCode, time.Since(started).Round(time.Millisecond), created.Code, created.Message)
		os.Exit(2)
	}
	pretty, _ := json.MarshalIndent(created.Value.Capabilities, "", "  ")
	fmt.Printf("Session %s created in %s\n%s\n", created.Value.SessionID, time.Since(started).Round(time.Millisecond), pretty)

	if *hold > 0 {
		time.Sleep(*hold)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/session/"+created.Value.SessionID, nil)
	resp, err = client.Do(req)
	if err != nil {
		fmt.Printf("Delete session failed: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Printf("Session %s deleted (status %d)\n", created.Value.SessionID, resp.StatusCode)
}
