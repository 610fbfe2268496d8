package sync

// Outcome classifies a single sync-check
type Outcome int

const (
	// OutcomeNoOp means there was nothing for the daemon to do: fetch
	// failed, the remote has not advanced, or it advanced without touching
	// any generated artifact.
	OutcomeNoOp Outcome = iota
	// OutcomeSynced means artifact changes were pulled in successfully
	OutcomeSynced
	// OutcomeError means a pull attempt failed; the check should be retried
	OutcomeError
)

// String returns the outcome name for logs
func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "no-op"
	case OutcomeSynced:
		return "synced"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// StashResult records what happened to local changes before the pull
type StashResult int

const (
	// StashSkipped means the working tree was clean, nothing was stashed
	StashSkipped StashResult = iota
	// StashStashed means local changes were stashed and should be restored
	StashStashed
	// StashFailed means stashing was attempted but failed; the pull
	// proceeds anyway and there is nothing to restore.
	StashFailed
)

// String returns the stash result name for logs
func (s StashResult) String() string {
	switch s {
	case StashSkipped:
		return "skipped"
	case StashStashed:
		return "stashed"
	case StashFailed:
		return "stash-failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one sync-check
type Result struct {
	Outcome          Outcome
	Commit           string      // local HEAD after the check, when known
	UpdatedArtifacts []string    // artifact paths pulled in when Outcome is OutcomeSynced
	Stash            StashResult // what happened to local changes
	Err              error       // set when Outcome is OutcomeError
}
