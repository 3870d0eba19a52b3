package shared

import "fmt"

// CountPostLockKey builds the redis key fencing a count posting attempt.
func CountPostLockKey(countID int64) string {
	return fmt.Sprintf("counts:post:%d:lock", countID)
}
