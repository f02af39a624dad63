package protocol

// Wire error codes. Go-level sentinels live in internal/storage; these are
// what crosses the process boundary.
const (
	ErrConnClosed     = "E_CONN_CLOSED"
	ErrVersionChanged = "E_VERSION_CHANGED"
	ErrQueueUnknown   = "E_QUEUE_UNKNOWN"
	ErrSubUnknown     = "E_SUB_UNKNOWN"
	ErrBlobMissing    = "E_BLOB_MISSING"
	ErrBadFrame       = "E_BAD_FRAME"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrConnClosed:     {},
	ErrVersionChanged: {},
	ErrQueueUnknown:   {},
	ErrSubUnknown:     {},
	ErrBlobMissing:    {},
	ErrBadFrame:       {},
	ErrInternal:       {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
