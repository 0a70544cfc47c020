package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/telluric-io/tern/pkg/types"
)

func templateFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read notification template: %w", err)
	}
	return string(data), nil
}

// marshalStatus renders the job as the status document sent to callbacks.
func marshalStatus(j *types.Job) ([]byte, error) {
	return json.Marshal(map[string]any{
		"jobID":     j.ID,
		"processID": j.ProcessID,
		"status":    j.Status,
		"message":   j.Message,
		"progress":  j.Progress,
	})
}
