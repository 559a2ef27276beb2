// Package server は、カメラ操作のHTTP APIと通知用のWebSocketを提供します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - カメラ操作（撮影・録画・センサー切り替え・向きの変更）のリクエスト処理
//   - プレビューのMJPEG配信
//   - 保存完了やバインド失敗のWebSocket通知
//
// 仕様:
//   - ルーティングはginを使用
//   - WebSocketはgorilla/websocketを使用
//   - ドメインのエラーはHTTPステータスに変換する（503, 409, 403, 400, 500）
//   - グレースフルシャットダウンに対応
package server
