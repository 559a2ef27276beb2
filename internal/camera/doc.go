// Package camera カメラセッションのライフサイクル管理を担う
//
// # 責務
// - カメラデバイスの排他的な確保と解放
// - プレビュー・静止画・録画の3つのパイプラインのバインド
// - センサー・向き・表示領域・ライフサイクルの変化に応じた再バインド
// - 撮影と録画の状態管理と結果の通知
//
// # 仕様
//   - LifecycleManager: セッションスロットを1つだけ持ち、状態遷移をUIループで行う
//   - Binder: 古いセッションを解放してから新しいセッションを構築する
//   - Controller: 撮影モードと録画状態の状態機械
//   - Executor: 単一ゴルーチンのFIFO。UI用とカメラI/O用の2つを使う
//   - DeviceLayer: v4l2/ffmpeg実装とモック実装。ドライバーはDeviceLayerFactoryで選ぶ
//   - Discovery: V4L2デバイスの自動検出・実名取得
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//     Red Hat/Fedora: sudo dnf install v4l-utils
//   - ffmpeg: 画像キャプチャと録画に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//     Red Hat/Fedora: sudo dnf install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
