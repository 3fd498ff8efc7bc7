package stt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// DiscoverDevices returns the accelerator devices named in cfg.Devices, or,
// when AutoDetect is set and no list is given, the indices printed by
// DetectCommand (one per line, first comma-separated field).
func DiscoverDevices(ctx context.Context, cfg config.EngineConfig) ([]DeviceInfo, error) {
	if len(cfg.Devices) > 0 {
		return parseDeviceList(cfg.Devices)
	}
	if !cfg.AutoDetect || strings.TrimSpace(cfg.DetectCommand) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(cfg.DetectCommand)
	if err != nil {
		return nil, fmt.Errorf("parse detect command: %w", err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run detect command: %w", err)
	}
	return parseDetectOutput(stdout.Bytes())
}

func parseDeviceList(ids []string) ([]DeviceInfo, error) {
	devices := make([]DeviceInfo, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, raw := range ids {
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid device index %q", raw)
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		devices = append(devices, gpuDevice(idx))
	}
	return devices, nil
}

func parseDetectOutput(out []byte) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		field := strings.TrimSpace(strings.SplitN(line, ",", 2)[0])
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("unexpected detect output %q", line)
		}
		devices = append(devices, gpuDevice(idx))
	}
	return devices, scanner.Err()
}

func gpuDevice(idx int) DeviceInfo {
	return DeviceInfo{ID: fmt.Sprintf("gpu%d", idx), Kind: KindGPU, Index: idx}
}
