// Package step defines the migration step contract: a versioned unit of
// application-level work with a prepare phase (pre-schema snapshot) and an
// apply phase (post-schema execution), plus the Registry used to declare
// which steps a host ships.
package step
