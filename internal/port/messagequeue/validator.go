package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errMissingTaskID = errors.New("task_id is required")

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var taskID string
	switch subject {
	case SubjectRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	case SubjectRunCancel:
		var p RunCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	case SubjectTaskOutput:
		var p TaskOutputPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	case SubjectTaskStatus:
		var p TaskStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	default:
		return nil
	}

	if taskID == "" {
		return fmt.Errorf("schema validation failed for %s: %w", subject, errMissingTaskID)
	}
	return nil
}
