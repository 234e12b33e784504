package policy

import (
	"github.com/p3394/exemplar/pkg/principal"
)

// DefaultRules returns the stock policy shipped with the gateway. Priorities
// ascend; the first matching rule wins.
//
//	 1. SYSTEM principal            -> ALLOW
//	 2. admin role                  -> ALLOW
//	 3. ANONYMOUS + sensitive       -> DENY
//	 4. admin perms need HIGH+      -> DENY below
//	 5. write perms need MEDIUM+    -> DENY below
//	 6. requested within granted    -> ALLOW
//	 7. authenticated + read-only   -> ALLOW
//	999. default                    -> DENY
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "system-principal",
			Priority: 1,
			Condition: func(in Input) bool {
				return in.Principal != nil && in.Principal.Type == principal.TypeSystem
			},
			Decision: Allow,
			Reason:   "system principal",
		},
		{
			Name:     "admin-role",
			Priority: 2,
			Condition: func(in Input) bool {
				return in.Principal != nil && principal.Role(in.Principal.URN) == "admin"
			},
			Decision: Allow,
			Reason:   "admin role",
		},
		{
			Name:     "anonymous-sensitive",
			Priority: 3,
			Condition: func(in Input) bool {
				if in.Principal == nil || in.Principal.Type != principal.TypeAnonymous {
					return false
				}
				return anyLevel(in.RequestedPermissions, LevelAdmin) ||
					anyLevel(in.RequestedPermissions, LevelWrite) ||
					anyLevel(in.RequestedPermissions, LevelExecute)
			},
			Decision: Deny,
			Reason:   "anonymous principals may not request admin, write, or execute permissions",
		},
		{
			Name:     "admin-needs-high-assurance",
			Priority: 4,
			Condition: func(in Input) bool {
				return anyLevel(in.RequestedPermissions, LevelAdmin) &&
					in.Assurance < principal.AssuranceHigh
			},
			Decision: Deny,
			Reason:   "HIGH assurance required for admin permissions",
		},
		{
			Name:     "write-needs-medium-assurance",
			Priority: 5,
			Condition: func(in Input) bool {
				return anyLevel(in.RequestedPermissions, LevelWrite) &&
					in.Assurance < principal.AssuranceMedium
			},
			Decision: Deny,
			Reason:   "MEDIUM assurance required for write permissions",
		},
		{
			Name:     "granted-covers-requested",
			Priority: 6,
			Condition: func(in Input) bool {
				return len(in.RequestedPermissions) > 0 && subset(in.RequestedPermissions, in.GrantedPermissions)
			},
			Decision: Allow,
			Reason:   "requested permissions within granted scopes",
		},
		{
			Name:     "authenticated-read-only",
			Priority: 7,
			Condition: func(in Input) bool {
				if in.Principal == nil || in.Principal.Type == principal.TypeAnonymous {
					return false
				}
				for _, p := range in.RequestedPermissions {
					if PermissionLevel(p) != LevelRead {
						return false
					}
				}
				return true
			},
			Decision: Allow,
			Reason:   "authenticated principal requesting read-level permissions",
		},
		{
			Name:      "default-deny",
			Priority:  999,
			Condition: func(Input) bool { return true },
			Decision:  Deny,
			Reason:    "no policy rule allowed the request",
		},
	}
}
