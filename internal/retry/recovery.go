package retry

// RecoveryStrategy is how a partially-failed batch of subtasks is
// handled.
type RecoveryStrategy string

const (
	// RecoveryPartialCommit keeps everything: nothing failed.
	RecoveryPartialCommit RecoveryStrategy = "PARTIAL_COMMIT"
	// RecoveryRollbackAndRetry undoes succeeded subtasks that depend on
	// a failed one and retries the batch.
	RecoveryRollbackAndRetry RecoveryStrategy = "ROLLBACK_AND_RETRY"
	// RecoveryRetryFailedOnly keeps succeeded subtasks and retries only
	// the failed ones.
	RecoveryRetryFailedOnly RecoveryStrategy = "RETRY_FAILED_ONLY"
	// RecoveryEscalate hands the whole batch to the user. Only selected
	// by explicit override, never by DecideRecovery.
	RecoveryEscalate RecoveryStrategy = "ESCALATE"
)

// DecideRecovery picks the strategy for a partially-failed batch.
// deps maps each succeeded subtask to the subtasks it required.
func DecideRecovery(failed, succeeded []string, deps map[string][]string) RecoveryStrategy {
	if len(failed) == 0 {
		return RecoveryPartialCommit
	}

	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	// A succeeded subtask built on a failed predecessor cannot stand.
	for _, id := range succeeded {
		for _, dep := range deps[id] {
			if failedSet[dep] {
				return RecoveryRollbackAndRetry
			}
		}
	}
	return RecoveryRetryFailedOnly
}
