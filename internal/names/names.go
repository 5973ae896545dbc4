// Package names splits recovered (demangled) C++ class names into their
// namespace scopes.
package names

import "strings"

// Split returns the namespace path and leaf name of a qualified class name,
// e.g. "cocos2d::ui::Widget" -> ["cocos2d", "ui"], "Widget".
func Split(qualified string) (scope []string, leaf string) {
	parts := strings.Split(qualified, "::")
	if len(parts) == 1 {
		return nil, qualified
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// Leaf returns the unqualified class name.
func Leaf(qualified string) string {
	_, leaf := Split(qualified)
	return leaf
}

// Namespace returns the namespace path joined with "::", or "" for a
// top-level class.
func Namespace(qualified string) string {
	scope, _ := Split(qualified)
	return strings.Join(scope, "::")
}

// SuperField returns the field name used for a base-class sub-object.
func SuperField(qualified string) string {
	return "super_" + Leaf(qualified)
}
