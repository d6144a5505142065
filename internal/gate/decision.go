package gate

import (
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
)

type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeThrottled Outcome = "throttled"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeBypassed  Outcome = "bypassed"
	OutcomeExempt    Outcome = "exempt"
)

// Where the applied limit came from
const (
	SourceDenyList         = "deny_list"
	SourceAllowList        = "allow_list"
	SourceBudget           = "budget"
	SourceRoleDefault      = "role_default"
	SourceAnonymousDefault = "anonymous_default"
	SourceExempt           = "exempt"
)

// Decision is the gate's verdict for one request.
type Decision struct {
	Outcome Outcome
	Admit   bool

	// Limit is 0 for a hard block. Unbounded callers (allow-listed or
	// exempt) have Unbounded set and Limit is meaningless.
	Limit      int
	Unbounded  bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Source     string

	BurstEligible  bool
	BurstActive    bool
	BurstActivated bool

	IdentityKind string
	Identity     string

	Budget   *models.BudgetConfig
	Override *models.OverrideEntry

	// Set when a store failure forced a fallback
	Degraded bool
}
