package migration

import "fmt"

// TargetSchemaVersion determines the database schema version.
const TargetSchemaVersion uint = 1

// CheckVersion verifies that a configured schema version can be reached
// with the migration files shipped in this directory.
func CheckVersion(version uint) error {
	if version == 0 || version > TargetSchemaVersion {
		return fmt.Errorf("schema version %d is out of range [1, %d]", version, TargetSchemaVersion)
	}
	return nil
}
