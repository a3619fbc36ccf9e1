package router

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
)

// envelope Frida 消息外层：{type, payload, description, stack}
type envelope struct {
	Type        string `mapstructure:"type"`
	Payload     any    `mapstructure:"payload"`
	Description string `mapstructure:"description"`
	Stack       string `mapstructure:"stack"`
}

// payload 注入脚本通过 send() 发来的内容
type payload struct {
	Type    string `mapstructure:"type"`
	Payload any    `mapstructure:"payload"`
	Dump    string `mapstructure:"dump"`
	Path    string `mapstructure:"path"`
	App     string `mapstructure:"app"`
}

// Classify 把一条原始消息解析为 domain.Message
//
// 判定顺序：脚本错误、空载荷、日志、dump、app、done，其余忽略。
func Classify(raw []byte) domain.Message {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return domain.Message{Kind: domain.MessageIgnore, Text: fmt.Sprintf("malformed message: %v", err)}
	}

	var env envelope
	if err := decode(top, &env); err != nil {
		return domain.Message{Kind: domain.MessageIgnore, Text: fmt.Sprintf("malformed envelope: %v", err)}
	}

	if env.Type == "error" {
		return domain.Message{Kind: domain.MessageError, Description: env.Description, Stack: env.Stack}
	}

	if isEmpty(env.Payload) {
		return domain.Message{Kind: domain.MessageIgnore}
	}

	fields, ok := env.Payload.(map[string]any)
	if !ok {
		if s, isString := env.Payload.(string); isString && s == "done" {
			return domain.Message{Kind: domain.MessageDone}
		}
		return domain.Message{Kind: domain.MessageIgnore, Text: fmt.Sprint(env.Payload)}
	}

	var p payload
	if err := decode(fields, &p); err != nil {
		return domain.Message{Kind: domain.MessageIgnore, Text: fmt.Sprintf("malformed payload: %v", err)}
	}

	if p.Type == "log" {
		text := ""
		if p.Payload != nil {
			text = fmt.Sprint(p.Payload)
		}
		return domain.Message{Kind: domain.MessageLog, Text: text}
	}

	if _, has := fields["dump"]; has {
		return domain.Message{Kind: domain.MessageDumpFile, RemotePath: p.Dump, OriginalPath: p.Path}
	}
	if _, has := fields["app"]; has {
		return domain.Message{Kind: domain.MessageAppBundle, RemotePath: p.App}
	}
	if _, has := fields["done"]; has {
		return domain.Message{Kind: domain.MessageDone}
	}

	return domain.Message{Kind: domain.MessageIgnore}
}

func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
