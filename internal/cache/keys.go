package cache

import "fmt"

// UpdatesChannel is the pub/sub channel that carries every mirrored record.
const UpdatesChannel = "jobwatch:updates"

// StatusKey returns the Redis key holding the latest record of one resource.
func StatusKey(kind, id string) string {
	return fmt.Sprintf("jobwatch:status:%s:%s", kind, id)
}
