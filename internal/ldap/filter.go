package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubstitutionToken is replaced by the escaped search value in filter templates.
const SubstitutionToken = "%v"

// FilterTemplate is a validated search filter containing SubstitutionToken.
type FilterTemplate struct {
	kind string
	raw  string
}

// ParseFilterTemplate validates tmpl. kind names the template in errors ("user", "group").
func ParseFilterTemplate(kind, tmpl string) (FilterTemplate, error) {
	tmpl = strings.TrimSpace(tmpl)
	if !strings.Contains(tmpl, SubstitutionToken) {
		return FilterTemplate{}, NewConfigurationError(kind+"_filter",
			fmt.Sprintf("filter %q is missing the %s substitution token", tmpl, SubstitutionToken))
	}
	if _, err := ldap.CompileFilter(strings.ReplaceAll(tmpl, SubstitutionToken, "x")); err != nil {
		return FilterTemplate{}, NewConfigurationError(kind+"_filter",
			fmt.Sprintf("filter %q is not a valid LDAP filter: %v", tmpl, err))
	}
	return FilterTemplate{kind: kind, raw: tmpl}, nil
}

// Apply substitutes a search pattern into the template. '*' in value stays a wildcard.
func (t FilterTemplate) Apply(value string) string {
	return strings.ReplaceAll(t.raw, SubstitutionToken, escapeFilterValue(value))
}

// ApplyExact substitutes value with every filter special character escaped.
func (t FilterTemplate) ApplyExact(value string) string {
	return strings.ReplaceAll(t.raw, SubstitutionToken, ldap.EscapeFilter(value))
}

func (t FilterTemplate) String() string {
	return t.raw
}

// escapeFilterValue escapes every filter special character except '*', which
// stays a wildcard.
func escapeFilterValue(value string) string {
	parts := strings.Split(value, "*")
	for i, part := range parts {
		parts[i] = ldap.EscapeFilter(part)
	}
	return strings.Join(parts, "*")
}

// BuildFilter applies value to an arbitrary template.
func BuildFilter(template, value string) (string, error) {
	t, err := ParseFilterTemplate("custom", template)
	if err != nil {
		return "", err
	}
	return t.Apply(value), nil
}

// objectClassFilter returns "(objectclass=a)" or "(|(objectclass=a)(objectclass=b))".
func objectClassFilter(classes []string) string {
	switch len(classes) {
	case 0:
		return ""
	case 1:
		return "(objectclass=" + ldap.EscapeFilter(classes[0]) + ")"
	}
	var b strings.Builder
	b.WriteString("(|")
	for _, oc := range classes {
		b.WriteString("(objectclass=" + ldap.EscapeFilter(oc) + ")")
	}
	b.WriteString(")")
	return b.String()
}

// loginFilterTemplate builds the template matching any of the login properties,
// restricted to the user object classes.
func loginFilterTemplate(properties, objectClasses []string) string {
	var props strings.Builder
	if len(properties) > 1 {
		props.WriteString("(|")
	}
	for _, p := range properties {
		props.WriteString("(" + p + "=" + SubstitutionToken + ")")
	}
	if len(properties) > 1 {
		props.WriteString(")")
	}

	ocFilter := objectClassFilter(objectClasses)
	if ocFilter == "" {
		return props.String()
	}
	return "(&" + props.String() + ocFilter + ")"
}

// Filters holds the compiled filter templates of one configuration generation.
// A template that failed to compile keeps its error and every build using it
// returns that ConfigurationError.
type Filters struct {
	user     FilterTemplate
	userErr  error
	group    FilterTemplate
	groupErr error
	login    FilterTemplate
	loginErr error
}

// NewFilters compiles the user, group and login templates of cfg. A template
// without SubstitutionToken is logged as a fatal misconfiguration.
func NewFilters(ctx context.Context, cfg *RegistryConfig) *Filters {
	f := &Filters{}

	userTmpl := cfg.UserFilter
	if userTmpl == "" {
		userTmpl = DefaultUserFilter
	}
	groupTmpl := cfg.GroupFilter
	if groupTmpl == "" {
		groupTmpl = DefaultGroupFilter
	}

	f.user, f.userErr = ParseFilterTemplate("user", userTmpl)
	f.group, f.groupErr = ParseFilterTemplate("group", groupTmpl)

	if len(cfg.LoginProperties) > 0 {
		f.login, f.loginErr = ParseFilterTemplate("login", loginFilterTemplate(cfg.LoginProperties, cfg.UserObjectClasses))
	} else {
		f.login, f.loginErr = f.user, f.userErr
	}

	for _, c := range []struct {
		tmpl string
		err  error
	}{{userTmpl, f.userErr}, {groupTmpl, f.groupErr}} {
		if c.err == nil {
			continue
		}
		msg := "Invalid filter template"
		if !strings.Contains(c.tmpl, SubstitutionToken) {
			msg = "Filter template is missing the %v substitution token"
		}
		tflog.SubsystemError(ctx, SubsystemLDAP, msg, map[string]any{
			"registry": cfg.ID,
			"filter":   c.tmpl,
			"error":    c.err.Error(),
		})
	}
	if f.loginErr != nil && len(cfg.LoginProperties) > 0 {
		tflog.SubsystemError(ctx, SubsystemLDAP, "Invalid login properties", map[string]any{
			"registry":         cfg.ID,
			"login_properties": cfg.LoginProperties,
			"error":            f.loginErr.Error(),
		})
	}

	return f
}

// Err returns the first template error, if any.
func (f *Filters) Err() error {
	for _, err := range []error{f.userErr, f.groupErr, f.loginErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// BuildUserFilter returns the filter finding the user named principal.
func (f *Filters) BuildUserFilter(principal string) (string, error) {
	if f.userErr != nil {
		return "", f.userErr
	}
	return f.user.ApplyExact(principal), nil
}

// BuildUserSearchFilter returns the filter finding users matching pattern.
func (f *Filters) BuildUserSearchFilter(pattern string) (string, error) {
	if f.userErr != nil {
		return "", f.userErr
	}
	return f.user.Apply(pattern), nil
}

// BuildGroupFilter returns the filter finding the group called name.
func (f *Filters) BuildGroupFilter(name string) (string, error) {
	if f.groupErr != nil {
		return "", f.groupErr
	}
	return f.group.ApplyExact(name), nil
}

// BuildGroupSearchFilter returns the filter finding groups matching pattern.
func (f *Filters) BuildGroupSearchFilter(pattern string) (string, error) {
	if f.groupErr != nil {
		return "", f.groupErr
	}
	return f.group.Apply(pattern), nil
}

// BuildLoginFilter returns the filter used to resolve a principal during
// authentication. Login properties, when configured, replace the user filter.
func (f *Filters) BuildLoginFilter(principal string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.login.ApplyExact(principal), nil
}
