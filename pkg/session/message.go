package session

import "github.com/tmc/langchaingo/llms"

// Role 标识消息发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultMaxHistory 是单个会话保留的最大消息条数。
const DefaultMaxHistory = 10

// Message 是会话历史中的一条不可变消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage 构造用户消息。
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage 构造助手消息。
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// SystemMessage 构造系统消息。
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessageType 将角色映射为 langchaingo 的消息类型。
// 未知角色按 system 处理。
func (r Role) ChatMessageType() llms.ChatMessageType {
	switch r {
	case RoleUser:
		return llms.ChatMessageTypeHuman
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeSystem
	}
}

// ToMessageContent 转为 GenerateContent 所需的消息片段。
func ToMessageContent(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llms.TextParts(m.Role.ChatMessageType(), m.Content))
	}
	return out
}

// Truncate 保留最近的 max 条消息（丢弃最旧的）。
// 返回值与入参不共享底层数组。
func Truncate(msgs []Message, max int) []Message {
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	return cloneMessages(msgs)
}

// cloneMessages 复制消息切片，避免共享引用。空输入返回非 nil 的空切片。
func cloneMessages(src []Message) []Message {
	dst := make([]Message, len(src))
	copy(dst, src)
	return dst
}
