package proposal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/conductor/internal/model"
)

// Change is the decoded payload of one change record.
type Change interface {
	Type() model.ChangeType
	Validate() error
}

// RowAddPayload proposes a new row. ClientID ties the row to its slot in the
// submission's table_data snapshot.
type RowAddPayload struct {
	ClientID    string `json:"client_id,omitempty"`
	PhaseNumber int    `json:"phase"`
	// Position is used only when the snapshot does not place the row.
	Position *int `json:"position,omitempty"`
	model.RowFields
}

type RowUpdatePayload struct {
	RowID int64 `json:"row_id"`
	model.RowFields
}

type RowDeletePayload struct {
	RowID int64 `json:"row_id"`
}

// RowMovePayload places an existing row at an exact position of the target
// phase, counted after the row has left its source.
type RowMovePayload struct {
	RowID             int64 `json:"row_id"`
	SourcePhaseNumber int   `json:"source_phase_number"`
	TargetPhaseNumber int   `json:"target_phase_number"`
	TargetPosition    int   `json:"target_position"`
}

type RowDuplicatePayload RowMovePayload

type VersionPayload struct {
	Version string `json:"version"`
}

type RolePayload struct {
	Role string `json:"role"`
}

type ScriptAddPayload struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Status bool   `json:"status"`
}

type ScriptUpdatePayload struct {
	ScriptID int64 `json:"script_id"`
	model.ScriptFields
}

type ScriptDeletePayload struct {
	ScriptID int64 `json:"script_id"`
}

// TableDataPayload is the proposer's row order after all edits.
type TableDataPayload struct {
	model.TableData
}

func (RowAddPayload) Type() model.ChangeType       { return model.ChangeRowAdd }
func (RowUpdatePayload) Type() model.ChangeType    { return model.ChangeRowUpdate }
func (RowDeletePayload) Type() model.ChangeType    { return model.ChangeRowDelete }
func (RowMovePayload) Type() model.ChangeType      { return model.ChangeRowMove }
func (RowDuplicatePayload) Type() model.ChangeType { return model.ChangeRowDuplicate }
func (VersionPayload) Type() model.ChangeType      { return model.ChangeVersion }
func (RolePayload) Type() model.ChangeType         { return model.ChangeRoleAdd }
func (ScriptAddPayload) Type() model.ChangeType    { return model.ChangeScriptAdd }
func (ScriptUpdatePayload) Type() model.ChangeType { return model.ChangeScriptUpdate }
func (ScriptDeletePayload) Type() model.ChangeType { return model.ChangeScriptDelete }
func (TableDataPayload) Type() model.ChangeType    { return model.ChangeTableData }

// roleDelete distinguishes role_delete from role_add, which share a payload shape.
type roleDelete struct{ RolePayload }

func (roleDelete) Type() model.ChangeType { return model.ChangeRoleDelete }

func (p RowAddPayload) Validate() error {
	if p.PhaseNumber <= 0 {
		return invalid("row_add: phase is required")
	}
	return p.RowFields.Validate()
}

func (p RowUpdatePayload) Validate() error {
	if p.RowID <= 0 {
		return invalid("row_update: row_id is required")
	}
	return p.RowFields.Validate()
}

func (p RowDeletePayload) Validate() error {
	if p.RowID <= 0 {
		return invalid("row_delete: row_id is required")
	}
	return nil
}

func (p RowMovePayload) Validate() error {
	return validatePlacement("row_move", p)
}

func (p RowDuplicatePayload) Validate() error {
	return validatePlacement("row_duplicate", RowMovePayload(p))
}

func validatePlacement(kind string, p RowMovePayload) error {
	switch {
	case p.RowID <= 0:
		return invalid(kind + ": row_id is required")
	case p.TargetPhaseNumber <= 0:
		return invalid(kind + ": target_phase_number is required")
	case p.TargetPosition < 0:
		return invalid(kind + ": target_position must not be negative")
	}
	return nil
}

func (p VersionPayload) Validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return invalid("version: version is required")
	}
	return nil
}

func (p RolePayload) Validate() error {
	if r := strings.TrimSpace(p.Role); r == "" || r == "*" {
		return invalid("role: role is required")
	}
	return nil
}

func (p ScriptAddPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("script_add: name is required")
	}
	return nil
}

func (p ScriptUpdatePayload) Validate() error {
	if p.ScriptID <= 0 {
		return invalid("script_update: script_id is required")
	}
	return nil
}

func (p ScriptDeletePayload) Validate() error {
	if p.ScriptID <= 0 {
		return invalid("script_delete: script_id is required")
	}
	return nil
}

func (p TableDataPayload) Validate() error {
	seen := map[int]bool{}
	for _, ph := range p.Phases {
		if seen[ph.PhaseNumber] {
			return invalid(fmt.Sprintf("table_data: phase %d listed twice", ph.PhaseNumber))
		}
		seen[ph.PhaseNumber] = true
	}
	return nil
}

// Decode parses raw as the payload type of t and validates it.
func Decode(t model.ChangeType, raw json.RawMessage) (Change, error) {
	var (
		c   Change
		err error
	)
	switch t {
	case model.ChangeRowAdd:
		c, err = decodeAs[RowAddPayload](raw)
	case model.ChangeRowUpdate:
		c, err = decodeAs[RowUpdatePayload](raw)
	case model.ChangeRowDelete:
		c, err = decodeAs[RowDeletePayload](raw)
	case model.ChangeRowMove:
		c, err = decodeAs[RowMovePayload](raw)
	case model.ChangeRowDuplicate:
		c, err = decodeAs[RowDuplicatePayload](raw)
	case model.ChangeVersion:
		c, err = decodeAs[VersionPayload](raw)
	case model.ChangeRoleAdd:
		c, err = decodeAs[RolePayload](raw)
	case model.ChangeRoleDelete:
		var p RolePayload
		p, err = unmarshal[RolePayload](raw)
		c = roleDelete{p}
	case model.ChangeScriptAdd:
		c, err = decodeAs[ScriptAddPayload](raw)
	case model.ChangeScriptUpdate:
		c, err = decodeAs[ScriptUpdatePayload](raw)
	case model.ChangeScriptDelete:
		c, err = decodeAs[ScriptDeletePayload](raw)
	case model.ChangeTableData:
		c, err = decodeAs[TableDataPayload](raw)
	default:
		return nil, invalid(fmt.Sprintf("unknown change type %q", t))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", model.ErrInvalidInput, t, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeAs[T Change](raw json.RawMessage) (Change, error) {
	v, err := unmarshal[T](raw)
	return v, err
}

func unmarshal[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidInput, msg)
}
