// Package fairlock provides a mutual-exclusion primitive with
// pluggable fairness policies and a companion priority-inheritance
// protocol that bounds priority inversion across resource chains.
//
// Neither type blocks internally: acquisition failures hand back a
// ticket and the caller parks itself, re-entering through GrantNext
// driven by its own scheduling events.
package fairlock
