package camera

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 7, 8, 9, 42*int(time.Millisecond)+999, time.Local)
	assert.Equal(t, "2024-03-05-07-08-09-042", Timestamp(ts))

	pattern := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}-\d{3}$`)
	if !pattern.MatchString(Timestamp(time.Now())) {
		t.Errorf("Unexpected timestamp format: %s", Timestamp(time.Now()))
	}
}

func TestNewFileName(t *testing.T) {
	ts := time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, filepath.Join("/tmp/out", "2024-12-31-23-59-59-000.jpg"), NewFileName("/tmp/out", ts, PhotoExtension))
	assert.Equal(t, filepath.Join("/tmp/out", "2024-12-31-23-59-59-000.mp4"), NewFileName("/tmp/out", ts, VideoExtension))
}

func TestOutputDirectory_PrefersExternal(t *testing.T) {
	external := t.TempDir()
	internal := t.TempDir()

	out := NewOutputDirectory(external, internal, "shashin")
	dir, err := out.Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(external, "shashin"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOutputDirectory_FallsBackToInternal(t *testing.T) {
	base := t.TempDir()

	// 外部メディアのパスがファイルなのでディレクトリを作れない
	external := filepath.Join(base, "not-a-dir")
	require.NoError(t, os.WriteFile(external, []byte("x"), 0644))
	internal := filepath.Join(base, "internal")

	out := NewOutputDirectory(external, internal, "shashin")
	dir, err := out.Path()
	require.NoError(t, err)
	assert.Equal(t, internal, dir)
}

func TestOutputDirectory_ResolvedOnce(t *testing.T) {
	external := t.TempDir()
	internal := t.TempDir()

	out := NewOutputDirectory(external, internal, "shashin")
	first, err := out.Path()
	require.NoError(t, err)

	// 解決後に外部メディアが消えてもキャッシュされた値を返す
	require.NoError(t, os.RemoveAll(first))
	second, err := out.Path()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOutputDirectory_NoDirectories(t *testing.T) {
	out := NewOutputDirectory("", "", "shashin")
	_, err := out.Path()
	assert.Error(t, err)
}

func TestOutputDirectory_NewFilePathIsUnique(t *testing.T) {
	dir := t.TempDir()
	out := NewOutputDirectory("", dir, "shashin")
	ts := time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC)

	first, err := out.NewFilePath(ts, PhotoExtension)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-12-31-23-59-59-000.jpg"), first)

	// 同じミリ秒の2回目の撮影は別のファイルになる
	second, err := out.NewFilePath(ts, PhotoExtension)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-12-31-23-59-59-000-1.jpg"), second)

	// 既存のファイルも上書きしない
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-12-31-23-59-59-000-2.jpg"), []byte("x"), 0644))
	third, err := out.NewFilePath(ts, PhotoExtension)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-12-31-23-59-59-000-3.jpg"), third)

	// 拡張子が違えば重ならない
	video, err := out.NewFilePath(ts, VideoExtension)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-12-31-23-59-59-000.mp4"), video)
}
