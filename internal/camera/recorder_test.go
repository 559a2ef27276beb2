package camera

import (
	"bytes"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQualityToCRF(t *testing.T) {
	assert.Equal(t, "28.0", qualityToCRF(1))
	assert.Equal(t, "23.0", qualityToCRF(3))
	assert.Equal(t, "18.0", qualityToCRF(5))
	assert.Equal(t, "18.0", qualityToCRF(10))
}

func TestRecorderArgs(t *testing.T) {
	args := recorderArgs("/tmp/out.mp4", 15, 3)
	assert.Contains(t, args, "image2pipe")
	assert.Contains(t, args, "15")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestRecorder_StopFlushesFrames(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("catが見つかりません")
	}

	var failures atomic.Int32
	r, err := startRecorder(exec.Command("cat"), "out.mp4", 15, func(error) { failures.Add(1) }, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.WriteFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	}

	assert.NoError(t, r.Stop())
	// 2回目は何もしない
	assert.NoError(t, r.Stop())
	assert.Equal(t, int32(0), failures.Load())
}

func TestRecorder_StopTimesOutWhenProcessStalls(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleepが見つかりません")
	}

	// sleepは標準入力を読まないため、パイプが埋まると書き込みが止まる
	var failures atomic.Int32
	r, err := startRecorder(exec.Command("sleep", "30"), "out.mp4", 15, func(error) { failures.Add(1) }, zap.NewNop())
	require.NoError(t, err)
	r.stopTimeout = 100 * time.Millisecond

	frame := bytes.Repeat([]byte{0xAB}, 256*1024)
	for i := 0; i < 4; i++ {
		r.WriteFrame(frame)
	}

	done := make(chan error, 1)
	go func() { done <- r.Stop() }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "タイムアウト")
	case <-time.After(5 * time.Second):
		t.Fatal("Stopが戻りませんでした")
	}

	assert.Equal(t, int32(0), failures.Load())
}
