package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kortix-ai/agentpress/pkg/models"
)

const maxWaitSeconds = 300

type waitArgs struct {
	Seconds float64 `json:"seconds" jsonschema:"required,description=How long to pause in seconds,minimum=0,maximum=300"`
}

var waitSchema = MustSchema[waitArgs]()

// WaitTool pauses the run for a bounded number of seconds. Useful when the
// model needs to poll an external system.
type WaitTool struct{}

func (t *WaitTool) Name() string        { return "wait" }
func (t *WaitTool) Description() string { return "Pause execution for the given number of seconds." }

func (t *WaitTool) Schema() json.RawMessage { return waitSchema }

func (t *WaitTool) XMLDescriptor() *XMLDescriptor {
	return &XMLDescriptor{
		TagName: "wait",
		Params: []ParamMapping{
			{Name: "seconds", Kind: ParamAttribute},
		},
		Example: `<wait seconds="5"></wait>`,
	}
}

func (t *WaitTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	seconds, _ := args["seconds"].(float64)
	if s, ok := args["seconds"].(string); ok {
		fmt.Sscanf(s, "%f", &seconds)
	}
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Failure(t.Name(), "wait interrupted: "+ctx.Err().Error()), nil
	case <-timer.C:
	}
	return Success(t.Name(), fmt.Sprintf("waited %.1f seconds", seconds)), nil
}
