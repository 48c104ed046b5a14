// Package inbox prepares human review requests for the assistant's proposed
// actions and turns the reviewer's answer into the next conversation turn.
// It reads the conversation only through normalized turns.
package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"inbox-memory/internal/domain"
)

// Action names the assistant tool that is waiting for review.
type Action string

const (
	ActionDraft    Action = "send_email_draft"
	ActionMessage  Action = "send_message"
	ActionCalendar Action = "send_cal_invite"
	ActionNotify   Action = "notify"
)

const ignoreTool = "Ignore"

type ReviewConfig struct {
	AllowIgnore  bool `json:"allow_ignore"`
	AllowRespond bool `json:"allow_respond"`
	AllowEdit    bool `json:"allow_edit"`
	AllowAccept  bool `json:"allow_accept"`
}

type ActionRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// Interrupt is what a reviewer is shown for one pending action.
type Interrupt struct {
	Request     ActionRequest `json:"action_request"`
	Config      ReviewConfig  `json:"config"`
	Description string        `json:"description"`

	toolCallID string
	content    string
}

type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseIgnore  ResponseType = "ignore"
	ResponseRespond ResponseType = "response"
	ResponseEdit    ResponseType = "edit"
)

// Response is the reviewer's answer. Args holds free text for "response" and
// an ActionRequest for "edit"; it is ignored otherwise.
type Response struct {
	Type ResponseType    `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Details is the email shown alongside a review request.
type Details struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from_email"`
	To      string `json:"to_email"`
	Body    string `json:"page_content"`
}

// Outcome is the result of resolving a review.
type Outcome struct {
	// Reply is appended to the conversation; nil when the action was accepted
	// as proposed.
	Reply *domain.Turn
	// Remember reports whether the reviewed exchange should go through memory
	// extraction. Ignored actions carry nothing worth remembering.
	Remember bool
}

var ErrUnexpectedResponse = errors.New("inbox: unexpected review response")

func reviewConfig(a Action) ReviewConfig {
	switch a {
	case ActionDraft, ActionCalendar:
		return ReviewConfig{AllowIgnore: true, AllowRespond: true, AllowEdit: true, AllowAccept: true}
	default:
		return ReviewConfig{AllowIgnore: true, AllowRespond: true}
	}
}

// Prepare builds the review request for action from the last turn of the
// conversation. A conversation without tool calls yields an empty request.
func Prepare(action Action, email Details, turns []domain.Turn) Interrupt {
	ir := Interrupt{
		Config:      reviewConfig(action),
		Description: Describe(email),
	}
	if action == ActionNotify {
		ir.Request = ActionRequest{Action: "Notify", Args: map[string]any{}}
		return ir
	}

	ir.Request.Args = map[string]any{}
	if len(turns) == 0 {
		return ir
	}
	last := turns[len(turns)-1]
	ir.content = last.Content
	if len(last.ToolCalls) == 0 {
		return ir
	}
	call := last.ToolCalls[0]
	ir.toolCallID = call.ID
	ir.Request.Action = call.Name
	if call.Arguments != nil {
		ir.Request.Args = call.Arguments
	}
	return ir
}

// Resolve converts the reviewer's response into the next turn. user is the
// mailbox owner's display name.
func Resolve(action Action, ir Interrupt, resp Response, user string) (Outcome, error) {
	switch resp.Type {
	case ResponseIgnore:
		if !ir.Config.AllowIgnore {
			break
		}
		id := ir.toolCallID
		if action == ActionNotify {
			id = uuid.NewString()
		}
		return Outcome{Reply: &domain.Turn{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: id, Name: ignoreTool, Arguments: map[string]any{"ignore": true}}},
			RawKind:   domain.RawKindMapping,
		}}, nil

	case ResponseRespond:
		if !ir.Config.AllowRespond {
			break
		}
		text, err := responseText(resp.Args)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: respondTurn(action, ir, text, user), Remember: true}, nil

	case ResponseEdit:
		if !ir.Config.AllowEdit {
			break
		}
		edited, err := editedRequest(resp.Args)
		if err != nil {
			return Outcome{}, err
		}
		content := ir.content
		if action == ActionDraft {
			content, _ = edited.Args["content"].(string)
		}
		return Outcome{Reply: &domain.Turn{
			Role:      domain.RoleAssistant,
			Content:   content,
			ToolCalls: []domain.ToolCall{{ID: ir.toolCallID, Name: ir.Request.Action, Arguments: edited.Args}},
			RawKind:   domain.RawKindMapping,
		}, Remember: true}, nil

	case ResponseAccept:
		if !ir.Config.AllowAccept {
			break
		}
		return Outcome{Remember: true}, nil
	}
	return Outcome{}, fmt.Errorf("%w: %q for %s", ErrUnexpectedResponse, resp.Type, action)
}

func respondTurn(action Action, ir Interrupt, text, user string) *domain.Turn {
	switch action {
	case ActionNotify:
		return &domain.Turn{Role: domain.RoleUser, Content: text, ToolCalls: []domain.ToolCall{}, RawKind: domain.RawKindMapping}
	case ActionCalendar:
		text = fmt.Sprintf("Error, %s interrupted and gave this feedback: %s", user, text)
	}
	return &domain.Turn{Role: domain.RoleTool, Content: text, ToolCalls: []domain.ToolCall{}, RawKind: domain.RawKindMapping}
}

func responseText(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("%w: response args must be a string", ErrUnexpectedResponse)
	}
	return text, nil
}

func editedRequest(raw json.RawMessage) (ActionRequest, error) {
	var req ActionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ActionRequest{}, fmt.Errorf("%w: edit args must be an action request", ErrUnexpectedResponse)
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	return req, nil
}

// Describe renders the email as the markdown shown to the reviewer.
func Describe(d Details) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Subject)
	fmt.Fprintf(&b, "[Click here to view the email](https://mail.google.com/mail/u/0/#inbox/%s)\n\n", d.ID)
	fmt.Fprintf(&b, "**To**: %s\n", d.To)
	fmt.Fprintf(&b, "**From**: %s\n\n", d.From)
	b.WriteString(d.Body)
	b.WriteString("\n")
	return b.String()
}
