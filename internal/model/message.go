package model

import (
	"bytes"
	"encoding/json"
)

// MaxEnvelopeBytes はトランスポートのメッセージサイズ上限（256KiB）。
const MaxEnvelopeBytes = 262144

// NotificationMessage は新着1件につき1回組み立てられ、全購読者へそのまま配信される通知。
type NotificationMessage struct {
	Subject      string // 印字可能ASCIIのみ、99バイト以下
	FullPayload  string // 要約 + 本文（必要に応じて切り詰め済み）
	ShortPayload string // SMS向け抜粋、1600バイト以下
}

// Envelope はトピックへ送るトランスポート別ペイロードの封筒。
type Envelope struct {
	Default string `json:"default"`
	SMS     string `json:"sms"`
	Full    string `json:"full"`
}

// Envelope は通知を封筒に変換する。
func (m NotificationMessage) Envelope() Envelope {
	return Envelope{
		Default: m.Subject,
		SMS:     m.ShortPayload,
		Full:    m.FullPayload,
	}
}

// Marshal は封筒をJSONにシリアライズする。
// HTMLエスケープは行わない（本文のHTMLがそのまま届く必要があるため）。
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	// Encoderは末尾に改行を付与するため取り除く
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalEnvelope はJSONから封筒を復元する。
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// Broadcast はブロードキャストトピック上の1メッセージ。
type Broadcast struct {
	ID       string
	StreamID string // キュー上のメッセージID（ACKに使用）
	Subject  string
	Message  string // シリアライズ済みの封筒
}

// DeliveryJob は購読者1人への配信ジョブ。配信成功で削除される。
type DeliveryJob struct {
	ID          string
	StreamID    string
	Email       string
	Subject     string
	MessageBody string
	Deliveries  int64 // キューから受け取った回数
}
