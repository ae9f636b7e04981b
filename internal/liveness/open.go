package liveness

import (
	"fmt"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open constructs the Store backend named by driver.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverFile:
		return OpenFileStore(path)
	case DriverSQLite, "sqlite3":
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("liveness: unknown store driver %q", driver)
	}
}
