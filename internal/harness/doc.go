// Package harness drives adversarial evaluation suites against the planning
// pipeline. It loads JSON case suites, executes them through a pluggable
// evaluator, scores the observed decisions into attack-success, false-positive
// and time-to-result metrics, and persists one redacted run summary artifact
// per run.
package harness
