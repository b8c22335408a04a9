package workflow

import "github.com/artemishq/artemis/statemachine"

// DefaultWorkflows builds the canonical issue-to-workflow registry. Every
// IssueType is covered; deployments override individual entries through
// Engine.Register.
func DefaultWorkflows() map[IssueType]*Workflow {
	simple := func(name string, issue IssueType, actions ...Action) *Workflow {
		return &Workflow{
			Name:         name,
			IssueType:    issue,
			Actions:      actions,
			SuccessState: statemachine.StateRunning,
			FailureState: statemachine.StateFailed,
		}
	}
	retry := Action{Name: "retry_stage"}
	backoff := func(seconds float64) Action {
		return Action{Name: "wait_backoff", Params: map[string]any{"seconds": seconds}, RetryOnFailure: true, MaxRetries: 1}
	}

	registry := map[IssueType]*Workflow{
		IssueTimeout: simple("timeout-recovery", IssueTimeout,
			Action{Name: "increase_timeout", Params: map[string]any{"factor": 2.0}}, retry),
		IssueHangingProcess: simple("hanging-process-recovery", IssueHangingProcess,
			Action{Name: "kill_hanging_process"}, retry),
		IssueMemoryExhausted: simple("memory-recovery", IssueMemoryExhausted,
			Action{Name: "free_memory"}, Action{Name: "cleanup_temp_files"}, retry),
		IssueDiskFull: simple("disk-recovery", IssueDiskFull,
			Action{Name: "cleanup_temp_files", RetryOnFailure: true, MaxRetries: 2}, retry),
		IssueNetworkError: simple("network-recovery", IssueNetworkError,
			backoff(2), retry),

		IssueCompilationError: simple("compilation-recovery", IssueCompilationError, retry),
		IssueTestFailure:      simple("test-failure-recovery", IssueTestFailure, retry),
		IssueSecurityVulnerability: simple("security-recovery", IssueSecurityVulnerability,
			retry),
		IssueLintingError: simple("linting-recovery", IssueLintingError, retry),

		IssueMissingDependency: simple("missing-dependency-recovery", IssueMissingDependency,
			Action{Name: "cleanup_temp_files"}, retry),
		IssueVersionConflict: simple("version-conflict-recovery", IssueVersionConflict, retry),
		IssueImportError:     simple("import-error-recovery", IssueImportError, retry),

		IssueLLMAPIError: simple("llm-api-recovery", IssueLLMAPIError, backoff(2), retry),
		IssueLLMTimeout: simple("llm-timeout-recovery", IssueLLMTimeout,
			Action{Name: "increase_timeout", Params: map[string]any{"factor": 1.5}}, retry),
		IssueLLMRateLimit:       simple("llm-rate-limit-recovery", IssueLLMRateLimit, backoff(10), retry),
		IssueInvalidLLMResponse: simple("llm-response-recovery", IssueInvalidLLMResponse, retry),

		IssueArchitectureInvalid: simple("architecture-recovery", IssueArchitectureInvalid, retry),
		IssueCodeReviewFailed:    simple("code-review-recovery", IssueCodeReviewFailed, retry),
		IssueValidationFailed:    simple("validation-recovery", IssueValidationFailed, retry),

		IssueArbitrationDeadlock: simple("arbitration-recovery", IssueArbitrationDeadlock, retry),
		IssueDeveloperConflict:   simple("developer-conflict-recovery", IssueDeveloperConflict, retry),
		IssueMessengerError:      simple("messenger-recovery", IssueMessengerError, backoff(1), retry),

		IssueInvalidCard:    simple("invalid-card-recovery", IssueInvalidCard, backoff(0)),
		IssueCorruptedState: simple("corrupted-state-recovery", IssueCorruptedState, Action{Name: "restart_process"}),
		IssueRAGError:       simple("rag-recovery", IssueRAGError, backoff(1)),

		IssueZombieProcess: simple("zombie-recovery", IssueZombieProcess,
			Action{Name: "kill_hanging_process"}),
		IssueFileLock: simple("file-lock-recovery", IssueFileLock, backoff(2), retry),
		IssuePermissionDenied: simple("permission-recovery", IssuePermissionDenied,
			backoff(0)),
	}

	// Integration conflicts roll the stack back to RUNNING when the
	// remediation itself fails, so a fresh run starts from a clean state.
	registry[IssueIntegrationConflict] = &Workflow{
		Name:              "integration-conflict-recovery",
		IssueType:         IssueIntegrationConflict,
		Actions:           []Action{retry},
		SuccessState:      statemachine.StateRunning,
		FailureState:      statemachine.StateFailed,
		RollbackOnFailure: true,
	}

	return registry
}
