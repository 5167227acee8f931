package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohitkumar/engage/model"
)

var _ Action = new(aiReplyAction)

// aiReplyAction asks the AI responder for a reply, sends it to the contact and
// keeps it in the variable named by the "variable" param (ai_reply by default).
type aiReplyAction struct {
	responder AIResponder
}

func NewAIReplyAction(responder AIResponder) *aiReplyAction {
	return &aiReplyAction{responder: responder}
}

func (a *aiReplyAction) Name() string {
	return "ai_reply"
}

func (a *aiReplyAction) Validate(params map[string]any) error {
	return nil
}

func (a *aiReplyAction) Execute(ctx context.Context, req Request) (*Result, error) {
	message := stringParam(req.Params, "message")
	if message == "" {
		message = req.Message
	}
	reply, err := a.responder.Respond(ctx, req.ContactId, message, req.History)
	if err != nil {
		return nil, fmt.Errorf("ai responder: %w", err)
	}
	reply = strings.TrimSpace(reply)
	variable := stringParam(req.Params, "variable")
	if variable == "" {
		variable = "ai_reply"
	}
	res := &Result{Variables: map[string]any{variable: reply}}
	if reply != "" {
		res.Reply = &model.MessagePayload{Text: reply}
	}
	return res, nil
}
