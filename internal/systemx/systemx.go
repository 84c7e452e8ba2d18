// Package systemx provides small OS helpers shared across acmeguard.
package systemx

import "os"

// FileExists returns true iff path exists and stat succeeds.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
