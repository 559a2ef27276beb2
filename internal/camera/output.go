package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	PhotoExtension = ".jpg"
	VideoExtension = ".mp4"

	fileNameLayout = "2006-01-02-15-04-05"
)

// OutputDirectory は撮影ファイルの保存先ディレクトリ
//
// 外部メディアの <External>/<AppName> が作成できればそれを、できなければInternalを使う。
// 解決は最初の呼び出しで一度だけ行われる
type OutputDirectory struct {
	External string
	Internal string
	AppName  string

	once sync.Once
	dir  string
	err  error

	mu        sync.Mutex
	lastStamp string
	issued    map[string]struct{}
}

// NewOutputDirectory は新しいOutputDirectoryを作成する
func NewOutputDirectory(external, internal, appName string) *OutputDirectory {
	return &OutputDirectory{External: external, Internal: internal, AppName: appName}
}

// Path は保存先ディレクトリを返す
func (o *OutputDirectory) Path() (string, error) {
	o.once.Do(func() {
		o.dir, o.err = o.resolve()
	})
	return o.dir, o.err
}

func (o *OutputDirectory) resolve() (string, error) {
	if o.External != "" {
		dir := filepath.Join(o.External, o.AppName)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				return dir, nil
			}
		}
	}

	if o.Internal == "" {
		return "", fmt.Errorf("保存先ディレクトリが設定されていません")
	}
	if err := os.MkdirAll(o.Internal, 0755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}
	return o.Internal, nil
}

// Timestamp は yyyy-MM-dd-HH-mm-ss-SSS 形式のタイムスタンプを返す
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s-%03d", t.Format(fileNameLayout), t.Nanosecond()/int(time.Millisecond))
}

// NewFileName は撮影時刻からファイルパスを作成する
func NewFileName(dir string, t time.Time, ext string) string {
	return filepath.Join(dir, Timestamp(t)+ext)
}

// NewFilePath は保存先ディレクトリ内で重複しないファイルパスを作成する
//
// 同じミリ秒に作成済みのパスや既存のファイルと重なる場合は -1, -2 ... を付ける
func (o *OutputDirectory) NewFilePath(t time.Time, ext string) (string, error) {
	dir, err := o.Path()
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	stamp := Timestamp(t)
	if stamp != o.lastStamp {
		o.lastStamp = stamp
		o.issued = make(map[string]struct{})
	}

	for i := 0; ; i++ {
		name := stamp
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stamp, i)
		}
		path := filepath.Join(dir, name+ext)
		if _, ok := o.issued[path]; ok {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		o.issued[path] = struct{}{}
		return path, nil
	}
}
