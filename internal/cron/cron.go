// Package cron evaluates 5-field schedule expressions against a point in
// time. Expression evaluation is delegated to gronx; anything that is not a
// well-formed 5-field expression never matches, so a typo in a campaign
// definition fails safe instead of firing every minute.
package cron

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Matches reports whether expr is due at t.
//
// The supported field syntax is minute hour day-of-month month day-of-week
// (0=Sunday), each field being "*", a single integer, a comma list, or a
// "*/N" step matching values divisible by N. An ill-formed expression, or
// one with other than exactly five fields, matches nothing.
func Matches(expr string, t time.Time) bool {
	if len(strings.Fields(expr)) != 5 {
		return false
	}
	// The checker keeps per-evaluation state, so each call gets its own.
	due, err := gronx.New().IsDue(expr, t)
	if err != nil {
		return false
	}
	return due
}
