package auth

import (
	"fmt"
	"strings"

	"github.com/ksred/syndicate-api/internal/types"
)

// MinIdentityLength is the shortest identity accepted in an actor declaration
const MinIdentityLength = 3

// Authorize checks that the declared actor is well formed and holds exactly
// the role required by the action. Malformed declarations are a bad request;
// a well formed declaration with the wrong role is forbidden.
func Authorize(actor types.Actor, required types.Role) error {
	if actor.Role == "" {
		return fmt.Errorf("%w: actor role is required", types.ErrBadRequest)
	}
	if !actor.Role.Valid() {
		return fmt.Errorf("%w: unknown actor role %q", types.ErrBadRequest, actor.Role)
	}
	identity := strings.TrimSpace(actor.Identity)
	if identity == "" {
		return fmt.Errorf("%w: actor identity is required", types.ErrBadRequest)
	}
	if len(identity) < MinIdentityLength {
		return fmt.Errorf("%w: actor identity must be at least %d characters", types.ErrBadRequest, MinIdentityLength)
	}
	if actor.Role != required {
		return fmt.Errorf("%w: role %s cannot perform an action reserved for %s", types.ErrForbidden, actor.Role, required)
	}
	return nil
}
