package contract

import "github.com/cloudwego/eino/schema"

// ControlAwaitUser is the one control verb shared by every agent: ask the
// user an open question and end the run awaiting their answer. The router's
// continuation rule keys off the workflow context this sets.
const ControlAwaitUser = "conversation.await_user"

func AwaitUserToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ControlAwaitUser,
		Desc: "Ask the user one question and wait for their answer. Use when a required detail is missing.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"key":      {Type: schema.String, Desc: "Stable identifier for what you are waiting on, e.g. ownership_confirmation", Required: true},
			"question": {Type: schema.String, Desc: "The question to show the user", Required: true},
		}),
	}
}
