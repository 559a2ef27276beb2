package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"time"
)

// MockDeviceLayer はテストやハードウェアなしの動作確認用のデバイス層
//
// open/closeの回数と操作の順序を記録する
type MockDeviceLayer struct {
	mu sync.Mutex

	opens  map[Facing]int
	closes map[Facing]int
	open   map[Facing]*MockDevice
	events []string

	// テスト制御用
	unavailable   map[Facing]bool
	failConfigure bool
	failCapture   bool
	failRecording bool
	frameInterval time.Duration

	recording *mockRecording
}

// NewMockDeviceLayer は新しいMockDeviceLayerを作成する
func NewMockDeviceLayer() *MockDeviceLayer {
	return &MockDeviceLayer{
		opens:         make(map[Facing]int),
		closes:        make(map[Facing]int),
		open:          make(map[Facing]*MockDevice),
		unavailable:   make(map[Facing]bool),
		frameInterval: 100 * time.Millisecond,
	}
}

// Open はモックデバイスを確保する
func (m *MockDeviceLayer) Open(_ context.Context, facing Facing) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable[facing] {
		return nil, fmt.Errorf("モック: センサー %s は利用できません", facing)
	}
	if _, busy := m.open[facing]; busy {
		return nil, fmt.Errorf("モック: センサー %s は使用中です", facing)
	}

	device := &MockDevice{layer: m, facing: facing, stopCh: make(chan struct{})}
	m.open[facing] = device
	m.opens[facing]++
	m.events = append(m.events, "open:"+facing.String())

	return device, nil
}

// Opens は指定センサーのopen回数を返す
func (m *MockDeviceLayer) Opens(facing Facing) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[facing]
}

// Closes は指定センサーのclose回数を返す
func (m *MockDeviceLayer) Closes(facing Facing) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[facing]
}

// OpenCount は現在確保されているデバイス数を返す
func (m *MockDeviceLayer) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Events は記録された操作の順序を返す
func (m *MockDeviceLayer) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]string, len(m.events))
	copy(events, m.events)
	return events
}

// SetUnavailable はテスト用にセンサーを利用不可にする
func (m *MockDeviceLayer) SetUnavailable(facing Facing, unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[facing] = unavailable
}

// SetShouldFailConfigure はテスト用にパイプライン構成の失敗を設定する
func (m *MockDeviceLayer) SetShouldFailConfigure(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConfigure = shouldFail
}

// SetShouldFailCapture はテスト用に静止画書き込みの失敗を設定する
func (m *MockDeviceLayer) SetShouldFailCapture(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCapture = shouldFail
}

// SetShouldFailRecording はテスト用に録画開始の失敗を設定する
func (m *MockDeviceLayer) SetShouldFailRecording(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRecording = shouldFail
}

// SetFrameInterval はプレビューフレームの生成間隔を設定する
func (m *MockDeviceLayer) SetFrameInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameInterval = interval
}

// Revoke はテスト用に指定センサーのアクセス権を取り消す
func (m *MockDeviceLayer) Revoke(facing Facing) {
	m.mu.Lock()
	device, ok := m.open[facing]
	m.mu.Unlock()

	if ok {
		device.mu.Lock()
		device.revoked = true
		device.mu.Unlock()
	}
}

// FailRecording はテスト用に進行中の録画へ書き込みエラーを発生させる
func (m *MockDeviceLayer) FailRecording(err error) bool {
	m.mu.Lock()
	rec := m.recording
	m.mu.Unlock()

	if rec == nil {
		return false
	}
	rec.onError(err)
	return true
}

func (m *MockDeviceLayer) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// MockDevice はMockDeviceLayerが返すデバイス
type MockDevice struct {
	layer  *MockDeviceLayer
	facing Facing

	mu      sync.Mutex
	revoked bool
	closed  bool
	mirror  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Configure はモックパイプラインを構築する
func (d *MockDevice) Configure(_ context.Context, specs []PipelineSpec) (Pipelines, error) {
	d.layer.mu.Lock()
	failConfigure := d.layer.failConfigure
	interval := d.layer.frameInterval
	d.layer.mu.Unlock()

	if failConfigure {
		return Pipelines{}, fmt.Errorf("モック: パイプラインの構成に失敗")
	}

	var size Size
	for _, spec := range specs {
		if spec.Kind == PipelineStill {
			d.mirror = spec.Mirror
		}
		size = TargetResolution(spec.Ratio, spec.Rotation)
	}

	preview := &mockPreview{frames: make(chan []byte, 2)}
	d.wg.Add(1)
	go d.generateFrames(preview.frames, size, interval)

	return Pipelines{
		Preview: preview,
		Still:   &mockStill{device: d, size: size},
		Video:   &mockVideo{device: d},
	}, nil
}

// Revoked はアクセス権が取り消されたかを返す
func (d *MockDevice) Revoked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revoked
}

// Close はモックデバイスを解放する
func (d *MockDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil // 既に解放済み
	}
	d.closed = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	d.layer.mu.Lock()
	defer d.layer.mu.Unlock()
	delete(d.layer.open, d.facing)
	d.layer.closes[d.facing]++
	d.layer.events = append(d.layer.events, "close:"+d.facing.String())

	return nil
}

// generateFrames は一定間隔でテスト用のJPEGフレームを生成する
func (d *MockDevice) generateFrames(frames chan []byte, size Size, interval time.Duration) {
	defer d.wg.Done()

	frame, err := encodeTestFrame(size, 0)
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			// チャンネルがフルの場合は古いフレームを破棄
			select {
			case frames <- frame:
			default:
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- frame:
				default:
				}
			}
		}
	}
}

type mockPreview struct {
	frames chan []byte
}

func (p *mockPreview) Frames() <-chan []byte {
	return p.frames
}

type mockStill struct {
	device *MockDevice
	size   Size
}

func (s *mockStill) Capture(_ context.Context, req CaptureRequest) error {
	s.device.layer.mu.Lock()
	fail := s.device.layer.failCapture
	s.device.layer.mu.Unlock()

	if fail {
		return fmt.Errorf("モック: 静止画の書き込みに失敗")
	}

	var shade uint8 = 128
	if s.device.mirror {
		shade = 64
	}
	frame, err := encodeTestFrame(s.size, shade)
	if err != nil {
		return err
	}
	if err := os.WriteFile(req.Path, frame, 0644); err != nil {
		return fmt.Errorf("静止画ファイルの書き込みに失敗: %w", err)
	}

	s.device.layer.record("still:" + req.Path)
	return nil
}

type mockVideo struct {
	device *MockDevice
}

func (v *mockVideo) StartRecording(_ context.Context, req CaptureRequest, onError func(error)) (Recording, error) {
	layer := v.device.layer

	layer.mu.Lock()
	defer layer.mu.Unlock()

	if layer.failRecording {
		return nil, fmt.Errorf("モック: 録画の開始に失敗")
	}
	if layer.recording != nil {
		return nil, fmt.Errorf("モック: 録画は既に進行中です")
	}

	file, err := os.Create(req.Path)
	if err != nil {
		return nil, fmt.Errorf("動画ファイルの作成に失敗: %w", err)
	}

	rec := &mockRecording{layer: layer, path: req.Path, file: file}
	rec.onError = func(err error) {
		rec.abort()
		onError(err)
	}
	layer.recording = rec
	layer.events = append(layer.events, "record:"+req.Path)

	return rec, nil
}

type mockRecording struct {
	layer   *MockDeviceLayer
	path    string
	file    *os.File
	onError func(error)

	once sync.Once
}

// Stop はファイルを書き終えてクローズする
func (r *mockRecording) Stop() error {
	var err error
	stopped := false
	r.once.Do(func() {
		stopped = true
		_, err = r.file.Write([]byte("mock mp4"))
		if closeErr := r.file.Close(); err == nil {
			err = closeErr
		}
		r.detach("finalize:" + r.path)
	})
	if !stopped {
		return nil // 既に終了済み
	}
	return err
}

func (r *mockRecording) abort() {
	r.once.Do(func() {
		_ = r.file.Close()
		r.detach("abort:" + r.path)
	})
}

func (r *mockRecording) detach(event string) {
	r.layer.mu.Lock()
	defer r.layer.mu.Unlock()
	if r.layer.recording == r {
		r.layer.recording = nil
	}
	r.layer.events = append(r.layer.events, event)
}

// encodeTestFrame は単色のJPEGフレームを生成する
func encodeTestFrame(size Size, shade uint8) ([]byte, error) {
	if !size.Valid() {
		size = Size{Width: 64, Height: 48}
	}

	// テスト用なので縮小して生成
	img := image.NewGray(image.Rect(0, 0, size.Width/20+1, size.Height/20+1))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.White)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("テストフレームのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
