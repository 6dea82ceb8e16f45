package mail

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
)

//go:embed notice.html.tmpl
var noticeTemplate string

// TemplateData は通知メールテンプレートに渡す値。
type TemplateData struct {
	Title   string
	HTMLMsg template.HTML // 組み立て時にサニタイズ済みの本文
	Email   string
}

// Renderer は通知メールの本文を描画する。
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer は埋め込みテンプレートを解析してRendererを生成する。
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("notice").Parse(noticeTemplate)
	if err != nil {
		return nil, fmt.Errorf("メールテンプレートの解析に失敗: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render は件名・本文・宛先からHTMLメール本文を生成する。
func (r *Renderer) Render(title, htmlMsg, email string) (string, error) {
	var buf bytes.Buffer
	data := TemplateData{
		Title:   title,
		HTMLMsg: template.HTML(htmlMsg),
		Email:   email,
	}
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("メールテンプレートの描画に失敗: %w", err)
	}
	return buf.String(), nil
}
