// Package aitest provides a scripted llms.Model for tests.
package aitest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// ErrScriptExhausted is returned when the model is called more often than scripted.
var ErrScriptExhausted = errors.New("aitest: no scripted response left")

// Step is one scripted reply.
type Step struct {
	Content string
	Err     error
	Delay   time.Duration // waits this long (or until ctx is done) before replying
}

// Call records the messages of one GenerateContent call.
type Call struct {
	Messages []llms.MessageContent
}

// ScriptedModel replays Steps in order and records every call.
type ScriptedModel struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// NewScriptedModel returns a model that answers with steps in order.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// Reply is shorthand for a Step that returns content.
func Reply(content string) Step { return Step{Content: content} }

// Fail is shorthand for a Step that returns err.
func Fail(err error) Step { return Step{Err: err} }

// GenerateContent implements llms.Model.
func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Messages: messages})
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: step.Content}},
	}, nil
}

// Call implements llms.Model.
func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Calls returns a copy of the recorded calls.
func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Text flattens the text parts of one recorded message.
func Text(msg llms.MessageContent) string {
	var out string
	for _, p := range msg.Parts {
		if tp, ok := p.(llms.TextContent); ok {
			out += tp.Text
		}
	}
	return out
}
