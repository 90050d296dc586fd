package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func AnalysisKey(subjectID string) string {
	return fmt.Sprintf("analysis:%s", subjectID)
}

func TaskStatusKey(taskID uuid.UUID) string {
	return fmt.Sprintf("task:%s", taskID)
}

func VerdictKey(subjectID, counterpartID string) string {
	return fmt.Sprintf("drift:%s:%s", subjectID, counterpartID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
