package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kortix-ai/agentpress/internal/llm"
)

const fallbackEncoding = "cl100k_base"

var (
	encodingMu    sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// encodingFor returns the tokenizer for a model, falling back to cl100k_base
// for models tiktoken does not know.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if enc, err = tiktoken.GetEncoding(fallbackEncoding); err != nil {
			return nil, err
		}
	}
	encodingCache[model] = enc
	return enc, nil
}

// CountTokens estimates the prompt size of a message list. Each message
// carries a small framing overhead on top of its content tokens, plus the
// reply priming tokens.
func CountTokens(model string, messages []llm.Message) (int, error) {
	enc, err := encodingFor(model)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		total += 3 // message framing
		total += len(enc.Encode(string(m.Role), nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
		for _, tc := range m.ToolCalls {
			total += len(enc.Encode(tc.Name, nil, nil))
			total += len(enc.Encode(string(tc.Arguments), nil, nil))
		}
	}
	total += 3 // reply priming
	return total, nil
}
