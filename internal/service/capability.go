package service

import (
	"fmt"

	"surplus-service/internal/apperr"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleStudent, RoleStaff, RoleAdmin:
		return r, true
	}
	return "", false
}

type Operation string

const (
	OpViewMenu           Operation = "view_menu"
	OpManageMenu         Operation = "manage_menu"
	OpManageSeries       Operation = "manage_series"
	OpReserve            Operation = "reserve"
	OpValidatePickup     Operation = "validate_pickup"
	OpAdjustStock        Operation = "adjust_stock"
	OpManageSubscription Operation = "manage_subscription"
)

// Actor is the caller of an operation
type Actor struct {
	UserID      string
	Role        Role
	CafeteriaID string
}

// Target is what an operation acts upon
type Target struct {
	CafeteriaID string
	UserID      string
}

// Grant permits an operation, optionally only when Condition evaluates true.
// Conditions are expr expressions over actor.{user_id,role,cafeteria_id} and
// target.{cafeteria_id,user_id}.
type Grant struct {
	Operation Operation
	Condition string
}

const sameCafeteria = `actor.cafeteria_id != "" && actor.cafeteria_id == target.cafeteria_id`

// DefaultGrants is the capability map used when the config file has none
func DefaultGrants() map[Role][]Grant {
	return map[Role][]Grant{
		RoleStudent: {
			{Operation: OpViewMenu},
			{Operation: OpReserve, Condition: `target.user_id == actor.user_id`},
		},
		RoleStaff: {
			{Operation: OpViewMenu},
			{Operation: OpManageMenu, Condition: sameCafeteria},
			{Operation: OpManageSeries, Condition: sameCafeteria},
			{Operation: OpValidatePickup, Condition: sameCafeteria},
			{Operation: OpAdjustStock, Condition: sameCafeteria},
		},
		RoleAdmin: {
			{Operation: OpViewMenu},
			{Operation: OpManageMenu},
			{Operation: OpManageSeries},
			{Operation: OpValidatePickup},
			{Operation: OpAdjustStock},
			{Operation: OpManageSubscription},
			{Operation: OpReserve, Condition: `target.user_id == actor.user_id`},
		},
	}
}

type rule struct {
	source  string
	program *vm.Program
}

// Policy is the compiled capability map
type Policy struct {
	rules map[Role]map[Operation][]rule
}

// NewPolicy compiles grants; an unparsable condition is a configuration error
func NewPolicy(grants map[Role][]Grant) (*Policy, error) {
	p := &Policy{rules: make(map[Role]map[Operation][]rule)}
	for role, list := range grants {
		ops := make(map[Operation][]rule)
		for _, g := range list {
			r := rule{source: g.Condition}
			if g.Condition != "" {
				program, err := expr.Compile(g.Condition,
					expr.Env(map[string]any{}),
					expr.AllowUndefinedVariables(),
					expr.AsBool(),
				)
				if err != nil {
					return nil, fmt.Errorf("capability %s/%s: %w", role, g.Operation, err)
				}
				r.program = program
			}
			ops[g.Operation] = append(ops[g.Operation], r)
		}
		p.rules[role] = ops
	}
	return p, nil
}

// DefaultPolicy compiles DefaultGrants
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultGrants())
	if err != nil {
		panic(err)
	}
	return p
}

// Allowed reports whether actor may perform op on target. Any matching grant suffices.
func (p *Policy) Allowed(actor Actor, op Operation, target Target) bool {
	rules := p.rules[actor.Role][op]
	if len(rules) == 0 {
		return false
	}

	env := map[string]any{
		"actor": map[string]any{
			"user_id":      actor.UserID,
			"role":         string(actor.Role),
			"cafeteria_id": actor.CafeteriaID,
		},
		"target": map[string]any{
			"cafeteria_id": target.CafeteriaID,
			"user_id":      target.UserID,
		},
	}

	for _, r := range rules {
		if r.program == nil {
			return true
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			return true
		}
	}
	return false
}

// Authorize returns FORBIDDEN unless actor may perform op on target
func (p *Policy) Authorize(actor Actor, op Operation, target Target) error {
	if p.Allowed(actor, op, target) {
		return nil
	}
	return apperr.New(apperr.CodeForbidden, "role %q may not %s", actor.Role, op)
}
