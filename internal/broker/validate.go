package broker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PermissionPayload describes a file-operation permission request as emitted
// by the assistant process.
type PermissionPayload struct {
	Operation string   `json:"operation"`
	Paths     []string `json:"paths,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// QuestionPayload describes a free-form question request.
type QuestionPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// ValidationError reports why an inbound payload was rejected. It is a
// result, not a failure of the broker: malformed payloads from the child
// process are expected and must never panic.
type ValidationError struct {
	Kind     RequestKind
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, strings.Join(e.Problems, "; "))
}

var allowedOperations = map[string]bool{
	"read":    true,
	"write":   true,
	"edit":    true,
	"delete":  true,
	"execute": true,
}

// ParsePermissionPayload parses and shape-checks raw JSON from the child
// process in a single step.
func ParsePermissionPayload(raw json.RawMessage) (PermissionPayload, error) {
	var p PermissionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PermissionPayload{}, &ValidationError{Kind: KindPermission, Problems: []string{"not a JSON object: " + err.Error()}}
	}

	var problems []string
	if strings.TrimSpace(p.Operation) == "" {
		problems = append(problems, "operation is required")
	} else if !allowedOperations[p.Operation] {
		problems = append(problems, fmt.Sprintf("unknown operation %q", p.Operation))
	}
	for i, path := range p.Paths {
		if strings.TrimSpace(path) == "" {
			problems = append(problems, fmt.Sprintf("paths[%d] is empty", i))
		}
	}

	if len(problems) > 0 {
		return PermissionPayload{}, &ValidationError{Kind: KindPermission, Problems: problems}
	}
	return p, nil
}

// ParseQuestionPayload parses and shape-checks a question payload.
func ParseQuestionPayload(raw json.RawMessage) (QuestionPayload, error) {
	var q QuestionPayload
	if err := json.Unmarshal(raw, &q); err != nil {
		return QuestionPayload{}, &ValidationError{Kind: KindQuestion, Problems: []string{"not a JSON object: " + err.Error()}}
	}

	var problems []string
	if strings.TrimSpace(q.Question) == "" {
		problems = append(problems, "question is required")
	}
	for i, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			problems = append(problems, fmt.Sprintf("options[%d] is empty", i))
		}
	}

	if len(problems) > 0 {
		return QuestionPayload{}, &ValidationError{Kind: KindQuestion, Problems: problems}
	}
	return q, nil
}
