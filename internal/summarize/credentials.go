package summarize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrMissingCredential はAPIキーが解決できなかったことを示す。
var ErrMissingCredential = errors.New("要約APIキーが設定されていません")

// CredentialCache はAPIキーをプロセスごとに1回だけ解決して保持する。
// ホスト環境ではシークレットストアがマウントしたファイルから、それ以外は環境変数から読む。
type CredentialCache struct {
	hosted  bool
	keyFile string
	envKey  string

	mu    sync.Mutex
	key   string
	group singleflight.Group
}

// NewCredentialCache はCredentialCacheを生成する。
func NewCredentialCache(hosted bool, keyFile, envKey string) *CredentialCache {
	return &CredentialCache{hosted: hosted, keyFile: keyFile, envKey: envKey}
}

// Key はキャッシュ済みのAPIキーを返す。未解決なら解決する。
// 同時に呼ばれても解決処理は1回だけ実行される。失敗した結果はキャッシュしない。
func (c *CredentialCache) Key(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}

	ch := c.group.DoChan("api-key", func() (interface{}, error) {
		k, err := c.resolve()
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.key = k
		c.mu.Unlock()
		return k, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *CredentialCache) resolve() (string, error) {
	if c.hosted {
		b, err := os.ReadFile(c.keyFile)
		if err != nil {
			return "", fmt.Errorf("シークレットファイルの読み込みに失敗: %w", err)
		}
		key := strings.TrimSpace(string(b))
		if key == "" {
			return "", ErrMissingCredential
		}
		return key, nil
	}

	key := strings.TrimSpace(c.envKey)
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}
