package register

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actions a dual-witness pair can authorize.
const (
	ActionRegister   = "REGISTER"
	ActionAdminister = "ADMINISTER"
	ActionDestroy    = "DESTROY"
	ActionReconcile  = "RECONCILE"
)

// ActionContext carries what the verifier needs to judge a witness pair:
// which action is being authorized, the commit-time clock, and the
// supervisor countersigning a destruction.
type ActionContext struct {
	Action       string
	Now          time.Time
	SupervisorID uuid.UUID
}

// Verifier validates dual-witness pairs. Pure validation, no side effects;
// failure aborts the whole action before any state change.
type Verifier struct {
	// MaxAge bounds how old a witness verification may be at commit time,
	// preventing signature replay across unrelated sessions.
	MaxAge time.Duration
}

func NewVerifier(maxAge time.Duration) *Verifier {
	return &Verifier{MaxAge: maxAge}
}

// Verify checks the pair in order: structural completeness, distinct
// identities, verification recency, and the supervisor rule for
// destructions. Returns nil when the pair is admissible.
func (v *Verifier) Verify(primary, secondary *Witness, actx ActionContext) error {
	if err := v.checkComplete(primary, "primary"); err != nil {
		return err
	}
	if err := v.checkComplete(secondary, "secondary"); err != nil {
		return err
	}

	if primary.WitnessID == secondary.WitnessID {
		return conflictError(CodeDuplicateWitness, "primary and secondary witness must be different people")
	}

	if err := v.checkRecency(primary, "primary", actx.Now); err != nil {
		return err
	}
	if err := v.checkRecency(secondary, "secondary", actx.Now); err != nil {
		return err
	}

	if actx.Action == ActionDestroy {
		if actx.SupervisorID == uuid.Nil {
			return validationError(CodeSupervisorRequired, "destruction requires a supervisor")
		}
		if actx.SupervisorID == primary.WitnessID || actx.SupervisorID == secondary.WitnessID {
			return conflictError(CodeSupervisorRequired, "destruction supervisor must be distinct from both witnesses")
		}
	}

	return nil
}

func (v *Verifier) checkComplete(w *Witness, which string) error {
	if w == nil {
		return validationError(CodeIncompleteWitness, fmt.Sprintf("%s witness is required", which))
	}
	if w.WitnessID == uuid.Nil || w.WitnessName == "" || w.WitnessRole == "" || w.Signature == "" || w.VerifiedAt.IsZero() {
		return validationError(CodeIncompleteWitness, fmt.Sprintf("%s witness record is incomplete", which))
	}
	return nil
}

func (v *Verifier) checkRecency(w *Witness, which string, now time.Time) error {
	if w.VerifiedAt.After(now) {
		return conflictError(CodeStaleVerification, fmt.Sprintf("%s witness verification timestamp is in the future", which))
	}
	if now.Sub(w.VerifiedAt) > v.MaxAge {
		return conflictError(CodeStaleVerification, fmt.Sprintf("%s witness verification is older than %s", which, v.MaxAge))
	}
	return nil
}
