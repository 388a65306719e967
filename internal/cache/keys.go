package cache

import "fmt"

const (
	KeyRoutes    = "routes"
	KeyLastReset = "reset:last"
)

func KeySnapshot(routeID string) string {
	return fmt.Sprintf("snapshot:%s", routeID)
}
