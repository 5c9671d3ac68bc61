// Package redact scrubs secrets from event payloads before they are
// persisted or shipped.
package redact

// DefaultPatterns target credential assignments, bearer tokens, AWS
// secrets and well-known vendor token prefixes.
var DefaultPatterns = []string{
	`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?[a-z0-9_-]{16,}`,
	`(?i)(password|passwd|pwd)["']?\s*[:=]\s*["'][^"']+["']`,
	`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?[a-z0-9_-]{16,}`,
	`(?i)bearer\s+[a-z0-9_-]{20,}`,
	`(?i)(aws_secret|aws_access)[a-z_]*["']?\s*[:=]\s*["']?[a-z0-9/+=]{20,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`ghp_[a-zA-Z0-9]{36}`,
	`gho_[a-zA-Z0-9]{36}`,
	`glpat-[a-zA-Z0-9_-]{20,}`,
	`xox[baprs]-[a-zA-Z0-9-]{10,}`,
}
