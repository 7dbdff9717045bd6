package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolution matches codes by exact string equality only. Wildcard codes
// like "stock.*.read" are an administrative input convenience and are
// compiled into concrete catalog codes here, at write time.

// ErrUnknownPermission flags a code (or wildcard) that matches nothing in
// the catalog. This is an administrative data bug surfaced at write time.
var ErrUnknownPermission = errors.New("authz: unknown permission code")

// ErrMalformedCode flags a code that is not "module.resource.action".
var ErrMalformedCode = errors.New("authz: malformed permission code")

// ParseCode splits a permission code into its three segments.
func ParseCode(code string) (module, resource, action string, err error) {
	parts := strings.Split(code, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedCode, code)
	}
	return parts[0], parts[1], parts[2], nil
}

// ExpandCode resolves an administrative code input into concrete catalog
// codes. A plain code must exist in the catalog; a code with "*" segments
// is matched against the catalog and must expand to at least one entry.
func ExpandCode(ctx context.Context, catalog Catalog, code string) ([]string, error) {
	module, resource, action, err := ParseCode(code)
	if err != nil {
		return nil, err
	}

	if module != "*" && resource != "*" && action != "*" {
		known, err := catalog.Exists(ctx, code)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPermission, code)
		}
		return []string{code}, nil
	}

	var candidates []Permission
	if module != "*" {
		candidates, err = catalog.ListByModule(ctx, module)
	} else {
		candidates, err = catalog.List(ctx)
	}
	if err != nil {
		return nil, err
	}

	var codes []string
	for _, p := range candidates {
		if segmentMatches(resource, p.Resource) && segmentMatches(action, p.Action) {
			codes = append(codes, p.Code)
		}
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPermission, code)
	}
	return codes, nil
}

func segmentMatches(pattern, value string) bool {
	return pattern == "*" || pattern == value
}
