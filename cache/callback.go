package cache

// OpenFlags select how an open treats the key's write admission.
// The zero value opens for read and write.
type OpenFlags uint8

const (
	// OpenNormally opens for reading and writing, creating the entry when absent.
	OpenNormally OpenFlags = 0

	// OpenReadOnly never creates an entry and never takes write admission.
	OpenReadOnly OpenFlags = 1 << (iota - 1)

	// OpenPriority queues the open ahead of normal work on the tier worker.
	OpenPriority

	// OpenBypassIfBusy completes with StatusBusy instead of waiting for a writer.
	OpenBypassIfBusy

	// OpenTruncate discards any existing entry and opens a new one for writing.
	// It overrides OpenReadOnly.
	OpenTruncate
)

func (f OpenFlags) writes() bool {
	return f&OpenReadOnly == 0 || f&OpenTruncate != 0
}

func (f OpenFlags) priority() bool {
	return f&OpenPriority != 0
}

// CheckResult is the admission decision for an existing entry.
type CheckResult int

const (
	// EntryWanted hands the entry to the requester.
	EntryWanted CheckResult = iota

	// EntryNotWanted discards the entry as stale. A writing open receives a
	// fresh entry in its place, a read-only open completes with StatusNotFound.
	EntryNotWanted

	// EntryRecheckAfterWriteFinished waits for the key's active writer, if
	// any, then checks again.
	EntryRecheckAfterWriteFinished
)

func (r CheckResult) String() string {
	switch r {
	case EntryWanted:
		return "wanted"
	case EntryNotWanted:
		return "not_wanted"
	case EntryRecheckAfterWriteFinished:
		return "recheck"
	default:
		return "unknown"
	}
}

// AppCache names the application cache group an appcache storage is bound to.
type AppCache struct {
	Group    string
	ClientID string
}

// OpenResult is delivered exactly once per open.
type OpenResult struct {
	Status   Status
	Err      error
	Entry    *Entry
	IsNew    bool
	AppCache *AppCache
}

// OpenCallback receives the admission check and the completion of an open.
// Both methods run on the tier worker; they must not block waiting for other
// work on the same tier.
type OpenCallback interface {
	// CheckEntry decides whether an existing entry should be handed over.
	// It is never called for newly created entries.
	CheckEntry(entry *Entry, appCache *AppCache) CheckResult

	// EntryAvailable receives the result.
	EntryAvailable(result OpenResult)
}

// OpenFunc adapts a completion function into an OpenCallback that wants
// every entry.
type OpenFunc func(OpenResult)

// CheckEntry implements OpenCallback.
func (OpenFunc) CheckEntry(*Entry, *AppCache) CheckResult { return EntryWanted }

// EntryAvailable implements OpenCallback.
func (f OpenFunc) EntryAvailable(r OpenResult) { f(r) }

// Callbacks builds an OpenCallback from two functions. A nil Check wants
// every entry.
type Callbacks struct {
	Check func(entry *Entry, appCache *AppCache) CheckResult
	Done  func(OpenResult)
}

// CheckEntry implements OpenCallback.
func (c Callbacks) CheckEntry(entry *Entry, appCache *AppCache) CheckResult {
	if c.Check == nil {
		return EntryWanted
	}
	return c.Check(entry, appCache)
}

// EntryAvailable implements OpenCallback.
func (c Callbacks) EntryAvailable(r OpenResult) {
	if c.Done != nil {
		c.Done(r)
	}
}

var (
	_ OpenCallback = OpenFunc(nil)
	_ OpenCallback = Callbacks{}
)
