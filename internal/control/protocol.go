// Package control 实现宿主应用与 worker 之间的请求/应答控制通道。
// 声明了应答通道的请求必定收到且只收到一条应答。
package control

import (
	"encoding/json"
	"errors"
)

// Verb 是控制指令。
type Verb string

const (
	VerbSkipWaiting  Verb = "SKIP_WAITING"
	VerbClearCache   Verb = "CLEAR_CACHE"
	VerbGetCacheSize Verb = "GET_CACHE_SIZE"
)

// ErrorUnknownVerb 是未知指令的应答错误码。
const ErrorUnknownVerb = "unknown_verb"

// ErrProtocolViolation 表示调用方在截止时间前没有等到应答。
var ErrProtocolViolation = errors.New("control reply not received")

// Request 是一次控制请求；Reply 为 nil 表示调用方不等待应答。
type Request struct {
	Verb  Verb
	Reply chan<- Reply
}

// Reply 的 JSON 形态随指令不同：{success}、{size, keys} 或 {error}。
type Reply struct {
	Success *bool
	Size    *int
	Keys    []string
	Error   string
}

// MarshalJSON 只输出已设置的字段；带 size 时 keys 总是数组（空缓存输出 []）。
func (r Reply) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3)
	if r.Success != nil {
		out["success"] = *r.Success
	}
	if r.Size != nil {
		out["size"] = *r.Size
		keys := r.Keys
		if keys == nil {
			keys = []string{}
		}
		out["keys"] = keys
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON 与 MarshalJSON 对称，主要给客户端与测试使用。
func (r *Reply) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success *bool    `json:"success"`
		Size    *int     `json:"size"`
		Keys    []string `json:"keys"`
		Error   string   `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Reply{Success: raw.Success, Size: raw.Size, Keys: raw.Keys, Error: raw.Error}
	return nil
}

// SuccessReply 构造 {success: ok}，失败时附带错误信息。
func SuccessReply(ok bool, err error) Reply {
	reply := Reply{Success: &ok}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// SizeReply 构造 {size, keys}。
func SizeReply(keys []string) Reply {
	size := len(keys)
	return Reply{Size: &size, Keys: keys}
}

// ErrorReply 构造 {error: code}。
func ErrorReply(code string) Reply {
	return Reply{Error: code}
}
