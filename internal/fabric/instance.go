package fabric

import "sync"

var (
	globalHub *Hub
	hubOnce   sync.Once
)

// GetHub returns the singleton Hub instance for this pod.
func GetHub() *Hub {
	hubOnce.Do(func() {
		globalHub = NewHub("shield-primary", "default", "production")
	})
	return globalHub
}

// ResetHub resets the global hub (for testing only)
func ResetHub() {
	hubOnce = sync.Once{}
	globalHub = nil
}
