package graph

import (
	"fmt"
	"os"
	"strings"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

// LoadDefinition reads and validates a workflow file. Vars passed in override
// the vars block from the file.
func LoadDefinition(path string, vars map[string]any) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("workflow file not found").WithDetail("path", path)
		}
		return nil, apperrors.WorkflowExecution("failed to read workflow file").WithCause(err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, apperrors.Validation(err.Error()).WithDetail("path", path)
	}
	if problems := def.Check(); len(problems) > 0 {
		return nil, apperrors.Validation(fmt.Sprintf("invalid workflow definition: %s", strings.Join(problems, "; "))).
			WithDetail("path", path)
	}
	if len(vars) > 0 {
		if def.Vars == nil {
			def.Vars = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			def.Vars[k] = v
		}
	}
	return def, nil
}

// ValidateContent checks a YAML document without touching disk. Used when
// saving workflows through the editor API.
func ValidateContent(content []byte) error {
	def, err := ParseDefinition(content)
	if err != nil {
		return apperrors.Validation(err.Error())
	}
	if problems := def.Check(); len(problems) > 0 {
		return apperrors.Validation(strings.Join(problems, "; "))
	}
	return nil
}
