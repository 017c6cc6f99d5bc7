// Package assistant runs one user turn through generation, parsing, the danger
// veto, role authorization and execution, and records the outcome in the
// session's conversation.
package assistant

import (
	"errors"

	"github.com/clubrecords/sqlassist/internal/conversation"
)

var (
	ErrNoExecutableSQL  = errors.New("no executable sql in model response")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDangerVeto       = errors.New("dangerous sql vetoed")
	ErrEmptyPrompt      = errors.New("prompt is empty")
)

// State is the terminal state a turn ended in. StateRejectedInput is returned
// before a turn starts, so nothing is recorded for it.
type State string

const (
	StateGeneralAnswer    State = "general_answer"
	StateModelFailed      State = "model_failed"
	StateVetoedByParser   State = "vetoed_by_parser"
	StateNoExecutableSQL  State = "no_executable_sql"
	StateBlocked          State = "blocked"
	StatePermissionDenied State = "permission_denied"
	StateExecuted         State = "executed"
	StateExecutionFailed  State = "execution_failed"
	StateRejectedInput    State = "rejected_input"
)

// Gate names the check that stopped a turn.
type Gate string

const (
	GateModel        Gate = "model"
	GatePermission   Gate = "permission"
	GateDanger       Gate = "danger"
	GateParse        Gate = "parse"
	GateConnectivity Gate = "connectivity"
	GateSQL          Gate = "sql"
	GateInput        Gate = "input"
)

type Refusal struct {
	Gate   Gate   `json:"gate"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (r *Refusal) Error() string {
	return string(r.Gate) + ": " + r.Reason
}

func (r *Refusal) Unwrap() error {
	return r.Err
}

// Classification is recomputed for every turn from the model response and the
// candidate SQL. Dangerous always implies !Permitted.
type Classification struct {
	Permitted bool   `json:"permitted"`
	Dangerous bool   `json:"dangerous"`
	Reason    string `json:"reason,omitempty"`
}

type TurnResult struct {
	TurnID         string                      `json:"turn_id"`
	SessionID      string                      `json:"session_id"`
	State          State                       `json:"state"`
	Text           string                      `json:"text"`
	SQL            string                      `json:"sql,omitempty"`
	Result         *conversation.ExecutedQuery `json:"result,omitempty"`
	Dangerous      bool                        `json:"dangerous"`
	Classification Classification              `json:"classification"`
	Refusal        *Refusal                    `json:"refusal,omitempty"`
	Injection      []string                    `json:"injection_patterns,omitempty"`
}

// Executed reports whether the SQL reached the database and succeeded.
func (r TurnResult) Executed() bool {
	return r.State == StateExecuted
}
