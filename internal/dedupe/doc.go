// Package dedupe remembers recently seen keys so repeats inside a time window
// can be suppressed.
package dedupe
