package apiv1

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

const (
	minExecutionPromptLength = 10
	maxSystemPromptLength    = 1000

	// Machine-facing submissions are held to a higher bar: enough context in
	// the system prompt and an execution prompt that actually anchors itself
	// to a location on disk.
	strictMinSystemPromptLength    = 75
	strictMaxSystemPromptLength    = 500
	strictMinExecutionPromptLength = 150
)

type taskFields struct {
	ExecutionPrompt  string `json:"execution_prompt"`
	WorkingDirectory string `json:"working_directory"`
	SystemPrompt     string `json:"system_prompt"`
	Model            string `json:"model"`
}

// validateTaskFields checks the shared task fields and resolves the model,
// falling back to defaultModel when the field is absent. strict applies the
// machine-facing prompt rules on top of the basic ones.
func validateTaskFields(f *taskFields, strict bool, defaultModel store.Model) (store.Model, error) {
	if strings.TrimSpace(f.WorkingDirectory) == "" {
		return "", errors.New("working_directory must not be empty")
	}
	if len(f.ExecutionPrompt) < minExecutionPromptLength {
		return "", errors.Errorf("execution_prompt must be at least %d characters", minExecutionPromptLength)
	}
	if len(f.SystemPrompt) > maxSystemPromptLength {
		return "", errors.Errorf("system_prompt must be at most %d characters", maxSystemPromptLength)
	}

	if strict {
		if len(f.SystemPrompt) < strictMinSystemPromptLength || len(f.SystemPrompt) > strictMaxSystemPromptLength {
			return "", errors.Errorf("system_prompt length must be between %d and %d characters",
				strictMinSystemPromptLength, strictMaxSystemPromptLength)
		}
		if len(f.ExecutionPrompt) < strictMinExecutionPromptLength {
			return "", errors.Errorf("execution_prompt must be at least %d characters", strictMinExecutionPromptLength)
		}
		if !containsPath(f.ExecutionPrompt) {
			return "", errors.New("execution_prompt must reference a concrete path")
		}
	}

	if f.Model == "" {
		if defaultModel == "" {
			defaultModel = store.ModelSonnet
		}
		return defaultModel, nil
	}
	model, err := store.ParseModel(f.Model)
	if err != nil {
		return "", err
	}
	return model, nil
}

// containsPath reports whether the text mentions something path-like: an
// absolute path, a home-relative path, or a dotted relative path.
func containsPath(text string) bool {
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, `"'.,;:()[]{}`)
		if strings.HasPrefix(token, "/") ||
			strings.HasPrefix(token, "~/") ||
			strings.HasPrefix(token, "./") ||
			strings.HasPrefix(token, "../") {
			return true
		}
	}
	return false
}
