package runtime

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

// ControlAwaitUser is the control verb agents use to park the run on an open
// question. The loop intercepts it before tool authorization: it belongs to
// no catalog and has no side effects, it only sets the workflow context.
const ControlAwaitUser = contractx.ControlAwaitUser

func parseAwaitArgs(args map[string]any) (key, question string, err error) {
	rawKey, _ := args["key"].(string)
	rawQuestion, _ := args["question"].(string)

	key = strings.TrimSpace(rawKey)
	question = strings.TrimSpace(rawQuestion)
	if key == "" {
		return "", "", fmt.Errorf("await_user requires a key")
	}
	if question == "" {
		return "", "", fmt.Errorf("await_user requires a question")
	}
	return key, question, nil
}
