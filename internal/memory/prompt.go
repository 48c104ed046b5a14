package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"inbox-memory/internal/domain"
)

type factsResponse struct {
	Facts []factItem `json:"facts"`
}

type factItem struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func buildExtractionMessages(instructions string, ec ExtractionContext) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildExtractionPolicy()},
	}
	if pinned := strings.TrimSpace(instructions); pinned != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: pinned})
	}
	return append(messages, domain.ChatMessage{
		Role:    "user",
		Content: buildThreadPrompt(ec),
	})
}

func buildExtractionPolicy() string {
	return strings.Join([]string{
		"Role:",
		"You maintain long-term memory for an executive email assistant.",
		"",
		"Task:",
		"Read the email thread and the assistant conversation that followed it.",
		"Extract durable information worth remembering for future emails.",
		"",
		"Focus on:",
		"1) User preferences for communication, tone, scheduling and response format.",
		"2) Contact details for people mentioned: name, email, company, role, relationship.",
		"3) Deadlines, recurring commitments and background facts about the user.",
		"",
		"Rules:",
		"- Avoid transient details that will not matter later.",
		"- Use short, stable snake_case keys such as meeting_length or contact_jane_doe.",
		"- Confidence reflects how explicitly the fact was stated, from 0 to 1.",
		"- Return no facts when nothing is worth remembering.",
		"",
		"Output Contract:",
		factsOutputContract(),
	}, "\n")
}

func factsOutputContract() string {
	return "Return JSON only with key facts (array). Each fact has category " +
		"(one of preference, contact, fact), key (string), value (string) and confidence (number)."
}

func buildThreadPrompt(ec ExtractionContext) string {
	return fmt.Sprintf(
		"Subject: %s\nParticipants: %s\n\nConversation:\n%s",
		normalizePromptInput(ec.Subject),
		strings.Join(ec.Participants, ", "),
		ec.Transcript(),
	)
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func parseFacts(raw string) ([]domain.CandidateFact, error) {
	var out factsResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("memory: decode facts: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("memory: decode facts: multiple JSON values")
		}
		return nil, fmt.Errorf("memory: decode facts trailing data: %w", err)
	}

	facts := make([]domain.CandidateFact, 0, len(out.Facts))
	for _, f := range out.Facts {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		facts = append(facts, domain.CandidateFact{
			Key:        f.Key,
			Category:   domain.ParseCategory(f.Category),
			Value:      domain.TextValue(strings.TrimSpace(f.Value)),
			Confidence: f.Confidence,
		})
	}
	return facts, nil
}
