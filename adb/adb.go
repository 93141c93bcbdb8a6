package adb

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"mobileproxy/models"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultListTimeout    = 10 * time.Second

	propModel          = "ro.product.model"
	propAndroidVersion = "ro.build.version.release"
	propDHCPAddress    = "dhcp.wlan0.ipaddress"
	wifiInterface      = "wlan0"
)

var inetPattern = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)`)

// Runner executes the bridge binary and returns its stdout. A non-nil error
// means the process could not run, timed out, or exited non-zero.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// ADBClient wraps adb command execution
type ADBClient struct {
	ADBPath        string
	CommandTimeout time.Duration
	ListTimeout    time.Duration
	run            Runner
}

var _ Bridge = (*ADBClient)(nil)

// NewADBClient creates a new ADB client. Zero timeouts fall back to defaults.
func NewADBClient(adbPath string, commandTimeout, listTimeout time.Duration) *ADBClient {
	if adbPath == "" {
		adbPath = "adb" // Assumes ADB is in PATH
	}
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	if listTimeout <= 0 {
		listTimeout = DefaultListTimeout
	}
	return &ADBClient{
		ADBPath:        adbPath,
		CommandTimeout: commandTimeout,
		ListTimeout:    listTimeout,
		run:            execRunner,
	}
}

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// adb may fork its server daemon, which inherits our pipes.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.String(), ctxErr
		}
		return stdout.String(), fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *ADBClient) command(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.run(ctx, c.ADBPath, args...)
	if err != nil {
		log.WithFields(log.Fields{"args": strings.Join(args, " "), "err": err}).Debug("adb command failed")
	}
	return out, err
}

func (c *ADBClient) shell(ctx context.Context, serial string, args ...string) (string, error) {
	return c.command(ctx, c.CommandTimeout, append([]string{"-s", serial, "shell"}, args...)...)
}

// IsAvailable checks that the adb binary runs and answers
func (c *ADBClient) IsAvailable(ctx context.Context) bool {
	_, err := c.command(ctx, c.CommandTimeout, "version")
	return err == nil
}

// ListDevices returns the ready devices with their model and Android version
func (c *ADBClient) ListDevices(ctx context.Context) []models.DeviceInfo {
	output, err := c.command(ctx, c.ListTimeout, "devices", "-l")
	if err != nil {
		return nil
	}

	devices := parseDeviceList(output)
	for i := range devices {
		if model := c.GetProperty(ctx, devices[i].Serial, propModel); model != "" {
			devices[i].Model = model
		}
		devices[i].AndroidVersion = c.GetProperty(ctx, devices[i].Serial, propAndroidVersion)
	}
	return devices
}

// parseDeviceList parses the output of 'adb devices -l'. Devices that are
// offline, unauthorized or still booting are dropped.
func parseDeviceList(output string) []models.DeviceInfo {
	var devices []models.DeviceInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		if parts[1] != "device" {
			log.WithFields(log.Fields{"serial": parts[0], "state": parts[1]}).Debug("skipping device that is not ready")
			continue
		}

		device := models.DeviceInfo{Serial: parts[0]}
		for _, part := range parts[2:] {
			if model, ok := strings.CutPrefix(part, "model:"); ok {
				device.Model = strings.ReplaceAll(model, "_", " ")
			}
		}
		devices = append(devices, device)
	}

	return devices
}

// GetProperty gets a system property from the device
func (c *ADBClient) GetProperty(ctx context.Context, serial, key string) string {
	output, err := c.shell(ctx, serial, "getprop", key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

// CreateForward forwards local tcp port to a tcp port on the device,
// replacing whatever was forwarded on that local port before.
func (c *ADBClient) CreateForward(ctx context.Context, serial string, localPort, remotePort int) bool {
	// A failed removal just means there was nothing stale to clear.
	c.RemoveForward(ctx, serial, localPort)

	_, err := c.command(ctx, c.CommandTimeout, "-s", serial, "forward",
		models.TCPSpec(localPort), models.TCPSpec(remotePort))
	return err == nil
}

// RemoveForward removes ADB port forwarding for the specified local port
func (c *ADBClient) RemoveForward(ctx context.Context, serial string, localPort int) bool {
	_, err := c.command(ctx, c.CommandTimeout, "-s", serial, "forward", "--remove", models.TCPSpec(localPort))
	return err == nil
}

// ListForwards lists the forwards adb holds for serial
func (c *ADBClient) ListForwards(ctx context.Context, serial string) []models.Forward {
	output, err := c.command(ctx, c.CommandTimeout, "-s", serial, "forward", "--list")
	if err != nil {
		return nil
	}
	return parseForwardList(output, serial)
}

// parseForwardList parses lines of the form "<serial> <local> <remote>".
func parseForwardList(output, serial string) []models.Forward {
	var forwards []models.Forward
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 3 || parts[0] != serial {
			continue
		}
		forwards = append(forwards, models.Forward{Serial: parts[0], Local: parts[1], Remote: parts[2]})
	}
	return forwards
}

// SetAirplaneMode writes the airplane_mode_on setting and broadcasts the change
func (c *ADBClient) SetAirplaneMode(ctx context.Context, serial string, on bool) bool {
	value, state := "0", "false"
	if on {
		value, state = "1", "true"
	}

	if _, err := c.shell(ctx, serial, "settings", "put", "global", "airplane_mode_on", value); err != nil {
		return false
	}

	// Some images ship without the receiver; the setting still takes effect.
	if _, err := c.shell(ctx, serial, "am", "broadcast", "-a", "android.intent.action.AIRPLANE_MODE", "--ez", "state", state); err != nil {
		log.WithFields(log.Fields{"serial": serial, "state": state}).Warn("airplane mode broadcast failed")
	}
	return true
}

// GetDeviceIP reads the wlan0 address, falling back to the DHCP lease property
func (c *ADBClient) GetDeviceIP(ctx context.Context, serial string) (string, bool) {
	if output, err := c.shell(ctx, serial, "ip", "addr", "show", wifiInterface); err == nil {
		if ip, ok := extractIPv4(output); ok {
			return ip, true
		}
	}

	if output, err := c.shell(ctx, serial, "getprop", propDHCPAddress); err == nil {
		ip := strings.TrimSpace(output)
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, true
		}
	}

	return "", false
}

func extractIPv4(dump string) (string, bool) {
	match := inetPattern.FindStringSubmatch(dump)
	if match == nil {
		return "", false
	}
	if net.ParseIP(match[1]) == nil {
		return "", false
	}
	return match[1], true
}
