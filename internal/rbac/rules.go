package rbac

const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Permissions checked by the HTTP layer.
const (
	PermQuestionWrite = "question:write"
	PermTestCreate    = "test:create"
	PermTestView      = "test:view"
	PermTestPublish   = "test:publish"
	PermAttemptStart  = "attempt:start"
	PermAttemptSave   = "attempt:save"
	PermAttemptSubmit = "attempt:submit"
	PermAttemptView   = "attempt:view"
	PermAttemptAdmin  = "attempt:admin"
	PermAnalyticsView = "analytics:view"
)

// RolePermissions is the default policy; "*" grants everything and a
// trailing "*" matches a prefix.
var RolePermissions = map[string][]string{
	RoleStudent: {
		PermTestView,
		PermAttemptStart,
		PermAttemptSave,
		PermAttemptSubmit,
		PermAttemptView,
	},
	RoleInstructor: {
		PermQuestionWrite,
		"test:*",
		PermAttemptView,
		PermAnalyticsView,
	},
	RoleAdmin: {
		"*",
	},
}

// Known reports whether role is one of the built-in roles.
func Known(role string) bool {
	_, ok := RolePermissions[role]
	return ok
}
