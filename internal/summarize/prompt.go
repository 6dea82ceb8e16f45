package summarize

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed prompt.yaml
var defaultPromptYAML []byte

// PromptConfig は要約リクエストのプロンプトとモデル設定。
type PromptConfig struct {
	Model           string  `yaml:"model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	ContentMaxChars int     `yaml:"content_max_chars"`
	System          string  `yaml:"system"`
}

// LoadPromptConfig はプロンプト設定を読み込む。
// pathが空の場合は埋め込みの既定設定を使用する。
func LoadPromptConfig(path string) (*PromptConfig, error) {
	data := defaultPromptYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("プロンプト設定の読み込みに失敗: %w", err)
		}
		data = b
	}

	var cfg PromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("プロンプト設定の解析に失敗: %w", err)
	}
	if cfg.Model == "" || cfg.System == "" {
		return nil, fmt.Errorf("プロンプト設定にmodelとsystemが必要です")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &cfg, nil
}
