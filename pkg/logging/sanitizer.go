// Package logging provides sanitization helpers so connection strings,
// DAX/MDX statements, and driver error messages never leak credentials or
// access tokens into log output.
package logging

import "regexp"

const (
	// MaxStatementLogLength bounds how much of a DAX/MDX statement is logged.
	MaxStatementLogLength = 200
	// Redacted is the replacement text for sensitive substrings.
	Redacted = "[REDACTED]"
)

var (
	// passwordPattern matches Password=xxx / Pwd=xxx style connection string
	// fields, used by both SQL-auth and service-principal connection strings.
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd)=[^;&\s]+`)

	// tokenPattern matches an Azure access token or bearer token embedded in
	// a connection string or error message.
	tokenPattern = regexp.MustCompile(`(?i)(Bearer\s+|AzureAccessToken=)[A-Za-z0-9\-_.]+`)

	// userPattern matches the effective/principal identity fields that
	// shouldn't be logged verbatim in multi-tenant deployments.
	userPattern = regexp.MustCompile(`(?i)(User ID|EffectiveUserName)=[^;&\s]+`)
)

// SanitizeConnectionString removes credentials and tokens from a connection
// string before it is logged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+Redacted)
	sanitized = tokenPattern.ReplaceAllString(sanitized, "${1}"+Redacted)
	return sanitized
}

// SanitizeError sanitizes an error's message before logging it, in case the
// underlying driver echoed back the connection string or token.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+Redacted)
	sanitized = tokenPattern.ReplaceAllString(sanitized, "${1}"+Redacted)
	return sanitized
}

// SanitizeStatement truncates a DAX/MDX statement for logging and redacts
// any embedded credentials (e.g. a pasted connection string literal).
func SanitizeStatement(statement string) string {
	if statement == "" {
		return ""
	}
	sanitized := statement
	if len(sanitized) > MaxStatementLogLength {
		sanitized = sanitized[:MaxStatementLogLength] + "..."
	}
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+Redacted)
	return sanitized
}

// SanitizeUser redacts the effective-user identity for logs where only the
// fact of impersonation, not the identity, should appear.
func SanitizeUser(user string) string {
	if user == "" {
		return ""
	}
	return userPattern.ReplaceAllString("EffectiveUserName="+user, "${1}="+Redacted)
}
