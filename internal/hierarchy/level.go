// Package hierarchy defines the four ordered knowledge scopes and the
// scoping rules that tie documents to them.
package hierarchy

import (
	"errors"
	"fmt"
)

// Level identifies one of the four knowledge scopes, ordered from most
// general (platform) to most specific (entity).
type Level string

const (
	LevelPlatform Level = "platform"
	LevelSuite    Level = "suite"
	LevelModule   Level = "module"
	LevelEntity   Level = "entity"
)

// ErrInvalidScope indicates that a document's scoping fields are
// inconsistent with its declared hierarchy level.
var ErrInvalidScope = errors.New("scoping fields inconsistent with hierarchy level")

// ParseLevel validates a level string and returns the typed Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelPlatform, LevelSuite, LevelModule, LevelEntity:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown hierarchy level %q", s)
}

// Specificity returns the level's position in the hierarchy: platform=0 up
// to entity=3. Higher values are more specific. Used for boost ordering and
// deterministic tie-breaking.
func (l Level) Specificity() int {
	switch l {
	case LevelSuite:
		return 1
	case LevelModule:
		return 2
	case LevelEntity:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

// Scope carries the identifiers that narrow a document or query to a
// position in the hierarchy. Empty fields mean "not scoped at that level".
type Scope struct {
	TenantID string
	SuiteID  string
	ModuleID string
}

// ValidateScope enforces the level/scoping invariant:
//
//	platform: no suite, module, or tenant scoping
//	suite:    suite_id required, module_id forbidden
//	module:   suite_id and module_id required
//	entity:   suite_id, module_id, and tenant_id required
//
// Violations return an error wrapping ErrInvalidScope.
func ValidateScope(level Level, scope Scope) error {
	switch level {
	case LevelPlatform:
		if scope.SuiteID != "" || scope.ModuleID != "" || scope.TenantID != "" {
			return fmt.Errorf("%w: platform-level documents must not carry suite, module, or tenant scoping", ErrInvalidScope)
		}
	case LevelSuite:
		if scope.SuiteID == "" {
			return fmt.Errorf("%w: suite-level documents require suite_id", ErrInvalidScope)
		}
		if scope.ModuleID != "" {
			return fmt.Errorf("%w: suite-level documents must not carry module_id", ErrInvalidScope)
		}
	case LevelModule:
		if scope.SuiteID == "" || scope.ModuleID == "" {
			return fmt.Errorf("%w: module-level documents require suite_id and module_id", ErrInvalidScope)
		}
	case LevelEntity:
		if scope.SuiteID == "" || scope.ModuleID == "" {
			return fmt.Errorf("%w: entity-level documents require suite_id and module_id", ErrInvalidScope)
		}
		if scope.TenantID == "" {
			return fmt.Errorf("%w: entity-level documents require tenant_id", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("unknown hierarchy level %q", level)
	}
	return nil
}

// CascadeLevels returns the ordered candidate level sequence for a query
// scope, most specific first: entity, module, suite, platform. Levels whose
// required scoping fields cannot be resolved from the scope are skipped.
// Platform is always reachable.
func CascadeLevels(scope Scope) []Level {
	levels := make([]Level, 0, 4)
	if scope.TenantID != "" && scope.SuiteID != "" && scope.ModuleID != "" {
		levels = append(levels, LevelEntity)
	}
	if scope.SuiteID != "" && scope.ModuleID != "" {
		levels = append(levels, LevelModule)
	}
	if scope.SuiteID != "" {
		levels = append(levels, LevelSuite)
	}
	return append(levels, LevelPlatform)
}

// ScopeForLevel projects a query scope onto the fields that matter at the
// given level, so a search at a general level is not over-restricted by the
// query's more specific identifiers.
func ScopeForLevel(level Level, scope Scope) Scope {
	switch level {
	case LevelEntity:
		return scope
	case LevelModule:
		return Scope{SuiteID: scope.SuiteID, ModuleID: scope.ModuleID}
	case LevelSuite:
		return Scope{SuiteID: scope.SuiteID}
	default:
		return Scope{}
	}
}
