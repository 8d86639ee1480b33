package steam

import "errors"

var (
	// ErrUnsupported means no change-manifest entries or no validated save
	// roots were found for a title. Surfaced to callers as "cannot back up
	// this title"; never a crash.
	ErrUnsupported = errors.New("game not supported for backup")

	// ErrNotMounted means an expected path is absent, typically a library
	// volume on removable storage that has been unplugged.
	ErrNotMounted = errors.New("path not mounted")

	// ErrNoAccounts means no Steam account id is known yet; per-account
	// title directories cannot be computed without one.
	ErrNoAccounts = errors.New("no steam account ids configured")
)
