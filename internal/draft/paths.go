package draft

type accessor struct {
	get func(d *Draft) string
	set func(d *Draft, v string)
}

var fields = map[string]accessor{
	"business_requirement.demand_source": {
		func(d *Draft) string { return d.BusinessRequirement.DemandSource },
		func(d *Draft, v string) { d.BusinessRequirement.DemandSource = v },
	},
	"business_requirement.product_statement": {
		func(d *Draft) string { return d.BusinessRequirement.ProductStatement },
		func(d *Draft, v string) { d.BusinessRequirement.ProductStatement = v },
	},
	"system_current.business_rules": {
		func(d *Draft) string { return d.SystemCurrent.BusinessRules },
		func(d *Draft, v string) { d.SystemCurrent.BusinessRules = v },
	},
	"system_current.frontend_current.description": {
		func(d *Draft) string { return d.SystemCurrent.FrontendCurrent.Description },
		func(d *Draft, v string) { d.SystemCurrent.FrontendCurrent.Description = v },
	},
	"system_current.backend_current.description": {
		func(d *Draft) string { return d.SystemCurrent.BackendCurrent.Description },
		func(d *Draft, v string) { d.SystemCurrent.BackendCurrent.Description = v },
	},
	"system_current.backend_current.steps_text": {
		func(d *Draft) string { return d.SystemCurrent.BackendCurrent.Steps },
		func(d *Draft, v string) { d.SystemCurrent.BackendCurrent.Steps = v },
	},
	"system_current.backend_current.flow_mermaid": {
		func(d *Draft) string { return d.SystemCurrent.BackendCurrent.FlowMermaid },
		func(d *Draft, v string) { d.SystemCurrent.BackendCurrent.FlowMermaid = v },
	},
	// The bare notification path resolves to its description.
	"system_current.notification_current": {
		func(d *Draft) string { return d.SystemCurrent.NotificationCurrent.Description },
		func(d *Draft, v string) { d.SystemCurrent.NotificationCurrent.Description = v },
	},
	"system_current.notification_current.description": {
		func(d *Draft) string { return d.SystemCurrent.NotificationCurrent.Description },
		func(d *Draft, v string) { d.SystemCurrent.NotificationCurrent.Description = v },
	},
	"system_current.notification_current.table_markdown": {
		func(d *Draft) string { return d.SystemCurrent.NotificationCurrent.TableMarkdown },
		func(d *Draft, v string) { d.SystemCurrent.NotificationCurrent.TableMarkdown = v },
	},
	"system_changes.change_overview": {
		func(d *Draft) string { return d.SystemChanges.ChangeOverview },
		func(d *Draft, v string) { d.SystemChanges.ChangeOverview = v },
	},
	"system_changes.frontend_changes.description": {
		func(d *Draft) string { return d.SystemChanges.FrontendChanges.Description },
		func(d *Draft, v string) { d.SystemChanges.FrontendChanges.Description = v },
	},
	"system_changes.backend_changes.overview": {
		func(d *Draft) string { return d.SystemChanges.BackendChanges.Overview },
		func(d *Draft, v string) { d.SystemChanges.BackendChanges.Overview = v },
	},
	"system_changes.backend_changes.steps_text": {
		func(d *Draft) string { return d.SystemChanges.BackendChanges.Steps },
		func(d *Draft, v string) { d.SystemChanges.BackendChanges.Steps = v },
	},
	"system_changes.backend_changes.flow_mermaid": {
		func(d *Draft) string { return d.SystemChanges.BackendChanges.FlowMermaid },
		func(d *Draft, v string) { d.SystemChanges.BackendChanges.FlowMermaid = v },
	},
	"system_changes.notification_changes.description": {
		func(d *Draft) string { return d.SystemChanges.NotificationChanges.Description },
		func(d *Draft, v string) { d.SystemChanges.NotificationChanges.Description = v },
	},
	"system_changes.notification_changes.table_markdown": {
		func(d *Draft) string { return d.SystemChanges.NotificationChanges.TableMarkdown },
		func(d *Draft, v string) { d.SystemChanges.NotificationChanges.TableMarkdown = v },
	},
}

// Field resolves a dotted path such as
// "system_changes.frontend_changes.description". The boolean is false for
// unknown paths and for a nil draft.
func (d *Draft) Field(path string) (string, bool) {
	a, ok := fields[path]
	if !ok || d == nil {
		return "", false
	}
	return a.get(d), true
}

// SetField writes a string field by dotted path and reports whether the path
// is known.
func (d *Draft) SetField(path, value string) bool {
	a, ok := fields[path]
	if !ok || d == nil {
		return false
	}
	a.set(d, value)
	return true
}
