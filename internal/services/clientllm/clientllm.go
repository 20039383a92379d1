// Package clientllm is a BatchDetector that talks to an OpenAI-style
// chat completion endpoint directly from this process, bypassing the
// detection service. It is registered through the dispatcher's Use hook
package clientllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	perr "typosweep/internal/platform/errors"
	"typosweep/internal/platform/logger"
	"typosweep/internal/services/detect/domain"
	detectsvc "typosweep/internal/services/detect/service"
)

const systemPrompt = `你是一个中文错别字检查助手。用户给出一组编号句子，请找出其中的错别字。
只输出一个 JSON 对象，格式为:
{"corrections":[{"index":<句子编号>,"source":"<原句>","target":"<改正后的句子>","errors":[["<错词>","<正确词>"]]}]}
没有错别字的句子不要输出。不要输出 JSON 以外的任何内容。`

// Config configures the in-process LLM detector
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Detector streams chat completions and speculatively parses the
// corrections object as deltas arrive
type Detector struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// New builds a Detector
func New(cfg Config) *Detector {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Detector{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: timeout,
		log:     logger.Named("clientllm"),
	}
}

// DetectBatch implements domain.BatchDetector. As an explicitly
// registered backend its failures propagate to the caller
func (d *Detector) DetectBatch(ctx context.Context, sentences []string, bc domain.BatchContext) ([]*domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	stream, err := d.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:  d.model,
		Stream: true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent(sentences, bc.KnownRoles)},
		},
	})
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeDetector, "open completion stream")
	}
	defer stream.Close()

	var acc strings.Builder
	seen := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeDetector, "read completion stream")
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		acc.WriteString(chunk.Choices[0].Delta.Content)

		if bc.OnPartial != nil {
			if partial := detectsvc.SpeculativeCorrections(acc.String()); len(partial) > seen {
				bc.OnPartial(partial)
				seen = len(partial)
			}
		}
	}

	obj, ok := detectsvc.FirstJSONObject(acc.String())
	if !ok {
		d.log.Warn().Str("model", d.model).Msg("completion carried no JSON object")
		return nil, perr.JSONErrf("completion carried no JSON object")
	}
	var br domain.BatchResponse
	if err := json.Unmarshal([]byte(obj), &br); err != nil {
		return nil, perr.JSONErrf("decode completion corrections: %v", err)
	}
	return align(br.Corrections, len(sentences)), nil
}

// userContent renders the numbered sentence list plus known proper
// nouns the model should leave alone
func userContent(sentences, knownRoles []string) string {
	var b strings.Builder
	if len(knownRoles) > 0 {
		b.WriteString("以下专有名词不是错别字: ")
		b.WriteString(strings.Join(knownRoles, "、"))
		b.WriteString("\n\n")
	}
	payload, _ := json.Marshal(sentences)
	b.WriteString("句子列表(JSON 数组, index 从 0 开始): ")
	b.Write(payload)
	return b.String()
}

// align maps corrections onto a slice parallel to sentences, honoring
// explicit index fields and dropping out-of-range ones
func align(corrections []*domain.Result, n int) []*domain.Result {
	out := make([]*domain.Result, n)
	for pos, c := range corrections {
		if c == nil {
			continue
		}
		idx := pos
		if c.Index != nil {
			idx = *c.Index
		}
		if idx < 0 || idx >= n {
			continue
		}
		out[idx] = c
	}
	return out
}
