// Package agent contains the planning orchestrator responsible for turning
// untrusted natural-language swap requests into unsigned transaction plans.
// It drives the fixed pipeline of input guardrail, intent parsing, output
// guardrail, quoting and the deterministic policy gate, and records every
// terminal decision for audit.
package agent
