package config

import "fmt"

// CurrentVersion is the configuration format this build reads.
const CurrentVersion = 1

// Reasons carried by VersionError.
const (
	VersionMissing = "missing or outdated"
	VersionNewer   = "newer than this build"
)

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case VersionNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade conductor to continue", e.Version, e.Current)
	case VersionMissing:
		return fmt.Sprintf("config version %d is %s (current: %d); set version: %d", e.Version, e.Reason, e.Current, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
}

// ValidateVersion accepts only CurrentVersion. Format 1 is the first, so
// anything lower means the key was left out.
func ValidateVersion(version int) error {
	switch {
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionMissing}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionNewer}
	}
	return nil
}
