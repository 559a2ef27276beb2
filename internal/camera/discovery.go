package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Discovery はカメラデバイスの検出を行うインターフェース
type Discovery interface {
	ScanDevices(ctx context.Context) ([]string, error)
	IsDeviceAvailable(ctx context.Context, device string) bool
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はデバイスの詳細情報
type DeviceInfo struct {
	Device  string   `json:"device"`
	Name    string   `json:"name"`
	Driver  string   `json:"driver"`
	Formats []string `json:"formats"`
}

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{}
}

// ScanDevices はカラー映像を出力できるデバイスを番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) || !hasColorFormat(listFormats(ctx, match)) {
			continue
		}

		// 同じ物理カメラの複数チャンネルは最も小さい番号だけを使う
		name := v4l2DeviceName(ctx, match)
		if name != "" && seen[name] {
			continue
		}
		seen[name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが読み取り可能なV4L2デバイスかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	name := v4l2DeviceName(ctx, device)
	if name == "" {
		name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	return &DeviceInfo{
		Device:  device,
		Name:    name,
		Driver:  "v4l2",
		Formats: listFormats(ctx, device),
	}, nil
}

// v4l2DeviceName はv4l2-ctlの "Card type" からカメラ名を取得する
func v4l2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}

	return ""
}

// listFormats はv4l2-ctlでピクセルフォーマットの一覧を取得する
func listFormats(ctx context.Context, device string) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats").Output()
	if err != nil {
		return nil
	}
	return parseFormats(string(output))
}

var formatLinePattern = regexp.MustCompile(`\[\d+\]:\s+'(\w+)'`)

// parseFormats はv4l2-ctl --list-formats の出力からフォーマット名を抽出する
func parseFormats(output string) []string {
	var formats []string
	for _, m := range formatLinePattern.FindAllStringSubmatch(output, -1) {
		formats = append(formats, m[1])
	}
	return formats
}

// hasColorFormat はカラーフォーマットを含むかを返す。グレースケールのみのデバイスは除外する
func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "YUYV" || f == "MJPG" {
			return true
		}
	}
	return false
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoDevicePattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// AssignFacings は検出されたデバイスをセンサーへ割り当てる
//
// 設定済みのセンサーはそのまま使い、未設定のものは検出順に背面、前面の順で割り当てる
func AssignFacings(configured map[Facing]string, discovered []string) map[Facing]string {
	assigned := make(map[Facing]string)
	used := make(map[string]bool)
	for facing, device := range configured {
		if device != "" {
			assigned[facing] = device
			used[device] = true
		}
	}

	for _, facing := range []Facing{FacingBack, FacingFront} {
		if _, ok := assigned[facing]; ok {
			continue
		}
		for _, device := range discovered {
			if !used[device] {
				assigned[facing] = device
				used[device] = true
				break
			}
		}
	}

	return assigned
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{devices: devices}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return m.devices, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !m.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}

	for i, d := range m.devices {
		if d == device {
			return &DeviceInfo{
				Device:  device,
				Name:    fmt.Sprintf("テストカメラ %d", i+1),
				Driver:  "mock",
				Formats: []string{"MJPG"},
			}, nil
		}
	}
	return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if m.IsDeviceAvailable(context.Background(), device) {
		return
	}
	m.devices = append(m.devices, device)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}
