package camera

import (
	"fmt"
	"math"
)

// SelectAspectRatio はビューポートに最も近いアスペクト比を選択する
//
// 長辺/短辺の比を4:3と16:9それぞれとの差で比較し、同じ場合は4:3を返す。
// width, heightは1以上でなければならない
func SelectAspectRatio(width, height int) AspectRatio {
	if width < 1 || height < 1 {
		panic(fmt.Sprintf("camera: 無効なビューポート %dx%d", width, height))
	}

	long := math.Max(float64(width), float64(height))
	short := math.Min(float64(width), float64(height))
	r := long / short

	if math.Abs(r-ratio4x3Value) <= math.Abs(r-ratio16x9Value) {
		return Ratio4x3
	}
	return Ratio16x9
}

// TargetResolution はアスペクト比と回転からキャプチャ解像度を決める
func TargetResolution(ratio AspectRatio, rotation Rotation) Size {
	size := Size{Width: 1280, Height: 960}
	if ratio == Ratio16x9 {
		size = Size{Width: 1280, Height: 720}
	}

	// 縦向きの場合は幅と高さを入れ替える
	if rotation.Sideways() {
		size.Width, size.Height = size.Height, size.Width
	}
	return size
}
