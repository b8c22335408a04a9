// Package workflow maps typed pipeline issues to remediation sequences and
// runs them against the state machine. Workflows are declarative: an ordered
// list of named actions dispatched through a handler registry, so the same
// workflow definitions can be persisted, inspected, and replayed.
package workflow

// IssueType classifies a pipeline problem. The enumeration is closed: every
// IssueType must have exactly one registered workflow.
type IssueType string

const (
	// Infrastructure.
	IssueTimeout         IssueType = "TIMEOUT"
	IssueHangingProcess  IssueType = "HANGING_PROCESS"
	IssueMemoryExhausted IssueType = "MEMORY_EXHAUSTED"
	IssueDiskFull        IssueType = "DISK_FULL"
	IssueNetworkError    IssueType = "NETWORK_ERROR"

	// Code.
	IssueCompilationError      IssueType = "COMPILATION_ERROR"
	IssueTestFailure           IssueType = "TEST_FAILURE"
	IssueSecurityVulnerability IssueType = "SECURITY_VULNERABILITY"
	IssueLintingError          IssueType = "LINTING_ERROR"

	// Dependencies.
	IssueMissingDependency IssueType = "MISSING_DEPENDENCY"
	IssueVersionConflict   IssueType = "VERSION_CONFLICT"
	IssueImportError       IssueType = "IMPORT_ERROR"

	// LLM.
	IssueLLMAPIError        IssueType = "LLM_API_ERROR"
	IssueLLMTimeout         IssueType = "LLM_TIMEOUT"
	IssueLLMRateLimit       IssueType = "LLM_RATE_LIMIT"
	IssueInvalidLLMResponse IssueType = "INVALID_LLM_RESPONSE"

	// Stage.
	IssueArchitectureInvalid IssueType = "ARCHITECTURE_INVALID"
	IssueCodeReviewFailed    IssueType = "CODE_REVIEW_FAILED"
	IssueIntegrationConflict IssueType = "INTEGRATION_CONFLICT"
	IssueValidationFailed    IssueType = "VALIDATION_FAILED"

	// Multi-agent.
	IssueArbitrationDeadlock IssueType = "ARBITRATION_DEADLOCK"
	IssueDeveloperConflict   IssueType = "DEVELOPER_CONFLICT"
	IssueMessengerError      IssueType = "MESSENGER_ERROR"

	// Data.
	IssueInvalidCard    IssueType = "INVALID_CARD"
	IssueCorruptedState IssueType = "CORRUPTED_STATE"
	IssueRAGError       IssueType = "RAG_ERROR"

	// System.
	IssueZombieProcess    IssueType = "ZOMBIE_PROCESS"
	IssueFileLock         IssueType = "FILE_LOCK"
	IssuePermissionDenied IssueType = "PERMISSION_DENIED"
)

// AllIssueTypes returns every member of the enumeration, in declaration
// order. Used to check workflow registry completeness.
func AllIssueTypes() []IssueType {
	return []IssueType{
		IssueTimeout, IssueHangingProcess, IssueMemoryExhausted, IssueDiskFull, IssueNetworkError,
		IssueCompilationError, IssueTestFailure, IssueSecurityVulnerability, IssueLintingError,
		IssueMissingDependency, IssueVersionConflict, IssueImportError,
		IssueLLMAPIError, IssueLLMTimeout, IssueLLMRateLimit, IssueInvalidLLMResponse,
		IssueArchitectureInvalid, IssueCodeReviewFailed, IssueIntegrationConflict, IssueValidationFailed,
		IssueArbitrationDeadlock, IssueDeveloperConflict, IssueMessengerError,
		IssueInvalidCard, IssueCorruptedState, IssueRAGError,
		IssueZombieProcess, IssueFileLock, IssuePermissionDenied,
	}
}

// IsValid reports whether t is a member of the enumeration.
func (t IssueType) IsValid() bool {
	for _, known := range AllIssueTypes() {
		if t == known {
			return true
		}
	}
	return false
}
