// Package handlers holds the pieces shared by the job handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"deployd/internal/domain"
)

// Field is a named task value checked by Require.
type Field struct {
	Name  string
	Value string
}

// Decode unmarshals a job task. A task that cannot be decoded will never
// succeed, so the error wraps domain.ErrInvalidTask.
func Decode(task json.RawMessage, v any) error {
	if len(task) == 0 || string(task) == "null" {
		return fmt.Errorf("%w: task is empty", domain.ErrInvalidTask)
	}
	if err := json.Unmarshal(task, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	return nil
}

// Require fails with domain.ErrInvalidTask listing every empty field.
func Require(fields ...Field) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.Value) == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidTask, strings.Join(missing, ", "))
	}
	return nil
}
