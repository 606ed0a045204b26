package agent

// ExecutionStrategy controls how multiple pending tool calls run.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
)

// XMLAddingStrategy selects the role under which a markup tool's result is
// appended to history.
type XMLAddingStrategy string

const (
	XMLResultAsUserMessage      XMLAddingStrategy = "user_message"
	XMLResultAsAssistantMessage XMLAddingStrategy = "assistant_message"

	// XMLResultInlineEdit is reserved; it behaves as assistant_message.
	XMLResultInlineEdit XMLAddingStrategy = "inline_edit"
)

// ProcessorConfig controls response processing for one turn.
type ProcessorConfig struct {
	// ExecuteTools runs parsed tool calls. When false, calls are parsed
	// and persisted on the assistant message but never dispatched.
	ExecuteTools bool

	// NativeToolCalling recognizes calls in the provider's structured
	// tool_calls field.
	NativeToolCalling bool

	// XMLToolCalling recognizes calls embedded as markup in the text.
	XMLToolCalling bool

	// ExecuteOnStream dispatches each tool as soon as it fully parses;
	// otherwise calls queue until the stream ends.
	ExecuteOnStream bool

	Strategy ExecutionStrategy

	XMLAddingStrategy XMLAddingStrategy

	// MaxXMLToolCalls caps markup calls per response. Zero is unlimited.
	MaxXMLToolCalls int
}

// DefaultProcessorConfig matches the common native-tools setup.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ExecuteTools:      true,
		NativeToolCalling: true,
		ExecuteOnStream:   false,
		Strategy:          StrategySequential,
		XMLAddingStrategy: XMLResultAsAssistantMessage,
	}
}

func (c ProcessorConfig) xmlResultRole() string {
	if c.XMLAddingStrategy == XMLResultAsUserMessage {
		return "user"
	}
	return "assistant"
}
