package authz

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/atlas-bms/atlas/internal/shared"
)

// System permission codes registered at seed time. Tenants reference these
// from custom groups without code changes; new custom codes enter the
// catalog through the administrative API.
var systemPermissionCodes = []string{
	shared.PermUsersView,
	shared.PermUsersEdit,
	shared.PermUsersDelete,
	shared.PermGroupsView,
	shared.PermGroupsManage,
	shared.PermGrantsView,
	shared.PermGrantsManage,
	shared.PermPermissionsView,
	shared.PermJobsView,

	"finance.invoices.view",
	"finance.invoices.create",
	"finance.invoices.approve",
	"finance.reports.view",

	"stock.items.view",
	"stock.items.create",
	"stock.items.edit",
	"stock.movements.view",
	"stock.movements.create",

	"sales.orders.view",
	"sales.orders.create",
	"sales.orders.approve",
	"sales.customers.view",
	"sales.customers.edit",

	"hr.employees.view",
	"hr.employees.edit",
	"hr.leave.view",
	"hr.leave.approve",

	"requests.tickets.view",
	"requests.tickets.create",
	"requests.tickets.resolve",

	"notifications.messages.view",
	"notifications.messages.send",
}

var titleCaser = cases.Title(language.English)

// EnsureSeeded registers the system catalog and the reserved "admin" and
// "user" groups. Idempotent; safe to run on every startup.
func EnsureSeeded(ctx context.Context, store AdminStore) error {
	for _, code := range systemPermissionCodes {
		module, resource, action, err := ParseCode(code)
		if err != nil {
			return err
		}
		p := Permission{
			Code:     code,
			Name:     permissionDisplayName(resource, action),
			Module:   module,
			Resource: resource,
			Action:   action,
			IsSystem: true,
		}
		if _, err := store.CreatePermission(ctx, p); err != nil {
			return fmt.Errorf("authz: seed permission %s: %w", code, err)
		}
	}

	adminGroup, err := ensureGroup(ctx, store, Group{
		Name:     "Administrators",
		Slug:     GroupSlugAdmin,
		Priority: 1000,
		IsSystem: true,
		IsActive: true,
	})
	if err != nil {
		return err
	}
	for _, code := range systemPermissionCodes {
		if err := store.UpsertGroupPermission(ctx, GroupPermission{GroupID: adminGroup.ID, Code: code, Effect: EffectAllow}); err != nil {
			return fmt.Errorf("authz: seed admin grant %s: %w", code, err)
		}
	}

	userGroup, err := ensureGroup(ctx, store, Group{
		Name:     "Users",
		Slug:     GroupSlugUser,
		Priority: 0,
		IsSystem: true,
		IsActive: true,
	})
	if err != nil {
		return err
	}
	for _, code := range shared.SelfServiceScopes() {
		if err := store.UpsertGroupPermission(ctx, GroupPermission{GroupID: userGroup.ID, Code: code, Effect: EffectAllow}); err != nil {
			return fmt.Errorf("authz: seed user grant %s: %w", code, err)
		}
	}

	return nil
}

func ensureGroup(ctx context.Context, store AdminStore, g Group) (Group, error) {
	groups, err := store.ListGroups(ctx, nil)
	if err != nil {
		return Group{}, err
	}
	for _, existing := range groups {
		if existing.Slug == g.Slug && existing.TenantID == nil {
			return existing, nil
		}
	}
	created, err := store.CreateGroup(ctx, g)
	if err != nil {
		return Group{}, fmt.Errorf("authz: seed group %s: %w", g.Slug, err)
	}
	return created, nil
}

func permissionDisplayName(resource, action string) string {
	return titleCaser.String(action) + " " + strings.ReplaceAll(resource, "_", " ")
}
