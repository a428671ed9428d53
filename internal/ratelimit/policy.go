package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassChat はチャットルートのルートクラス名。
const ClassChat = "chat"

// Policy はルートクラスごとの制限設定。
type Policy struct {
	// Limit はウィンドウ内で許可するリクエスト数。
	Limit int64 `yaml:"limit"`
	// Window はカウンターのウィンドウ長。
	Window time.Duration `yaml:"window"`
	// FailOpen がtrueの場合、カウンターストアに到達できないときも許可する。
	FailOpen bool `yaml:"fail_open"`
}

// Validate はポリシーの値が有効か検証する。
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("limitは1以上である必要があります: %d", p.Limit)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("windowは1ms以上である必要があります: %s", p.Window)
	}
	return nil
}

// DefaultPolicies はデフォルトのポリシー一覧を返す。
// チャットは60秒あたり10リクエストで、ストア障害時は拒否する。
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassChat: {Limit: 10, Window: 60 * time.Second},
	}
}

// policyFile はポリシーファイルのYAML構造。
type policyFile struct {
	Policies map[string]Policy `yaml:"policies"`
}

// LoadPolicyFile はYAMLファイルからルートクラスごとのポリシーを読み込む。
//
//	policies:
//	  chat:
//	    limit: 10
//	    window: 60s
//	    fail_open: false
func LoadPolicyFile(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ポリシーファイルの読み込みに失敗: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ポリシーファイルのパースに失敗: %w", err)
	}
	for class, p := range file.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("ルートクラス %q のポリシーが不正: %w", class, err)
		}
	}
	return file.Policies, nil
}
