// Package policy provides Open Policy Agent (OPA) integration for BagTrail.
//
// Approval gates in the bag workflow (releasing a high-value bag at claim,
// paying out compensation for a mishandling incident) are expressed as Rego
// policies rather than hard-coded thresholds. The engine evaluates all
// enabled policies against an ApprovalInput and combines the matching rules
// into a single ApprovalDecision; when several rules match, the strictest
// approver role wins.
//
// Built-in policies cover the common cases and can be overridden or extended
// by loading .rego files from disk. The Loader also supports watching policy
// paths with fsnotify so operators can tune approval rules without a restart.
package policy
