// Package notice holds the domain model shared by every dispatch component:
// users, notice categories, preferences, on-site notice records and the
// caller-supplied dispatch context.
package notice
