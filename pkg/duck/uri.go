package duck

import (
	"fmt"
	"net/url"
	"strings"
)

func isLibpq(uri string) bool {
	return strings.Contains(uri, "host=") && strings.Contains(uri, "dbname=")
}

func validateCatalogURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("catalog URI is required")
	}

	if path, found := strings.CutPrefix(uri, "file://"); found {
		if path == "" {
			return fmt.Errorf("catalog URI file:// path cannot be empty")
		}
		return nil
	}

	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid postgres URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("postgres URI must include a host")
		}
		if parsed.Path == "" || parsed.Path == "/" {
			return fmt.Errorf("postgres URI must include a database name in the path")
		}
		return nil
	}

	if isLibpq(uri) {
		return nil
	}

	return fmt.Errorf("catalog URI must start with file://, postgres://, postgresql://, or be in libpq format (got: %q)", uri)
}

func validateStorageURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("storage URI is required")
	}

	if path, found := strings.CutPrefix(uri, "file://"); found {
		if path == "" {
			return fmt.Errorf("storage URI file:// path cannot be empty")
		}
		return nil
	}

	if strings.HasPrefix(uri, "s3://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid s3:// URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("s3:// URI must include a bucket name (e.g., s3://bucket-name/path)")
		}
		if len(parsed.Host) < 3 || len(parsed.Host) > 63 {
			return fmt.Errorf("s3 bucket name must be between 3 and 63 characters")
		}
		return nil
	}

	return fmt.Errorf("storage URI must start with file:// or s3:// (got: %q)", uri)
}

// sanitizeErrorForLogging redacts passwords from libpq strings and postgres
// URIs embedded in an error message.
func sanitizeErrorForLogging(msg string) string {
	if strings.Contains(msg, "password=") {
		return redactLibpqPassword(msg)
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		idx := strings.Index(msg, scheme)
		if idx == -1 {
			continue
		}
		rest := msg[idx+len(scheme):]
		at := strings.Index(rest, "@")
		if at == -1 {
			continue
		}
		user, _, hasPassword := strings.Cut(rest[:at], ":")
		if !hasPassword {
			continue
		}
		return msg[:idx+len(scheme)] + user + ":REDACTED" + rest[at:]
	}
	return msg
}

func redactLibpqPassword(s string) string {
	fields := strings.Fields(s)
	for i, field := range fields {
		if value, ok := strings.CutPrefix(field, "password="); ok && strings.Trim(value, `'"`) != "" {
			fields[i] = "password=REDACTED"
		}
	}
	return strings.Join(fields, " ")
}

// RedactedCatalogURI redacts passwords from catalog URIs for logging.
func RedactedCatalogURI(uri string) string {
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "[REDACTED: invalid URI]"
		}
		if parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
			}
		}
		return parsed.String()
	}
	if strings.Contains(uri, "password=") {
		return redactLibpqPassword(uri)
	}
	return uri
}

// RedactedStorageURI redacts credential-like query parameters from storage
// URIs for logging.
func RedactedStorageURI(uri string) string {
	if !strings.HasPrefix(uri, "s3://") {
		return uri
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "[REDACTED: invalid URI]"
	}
	if parsed.RawQuery == "" {
		return uri
	}
	query := parsed.Query()
	for key := range query {
		lower := strings.ToLower(key)
		for _, sensitive := range []string{"accesskey", "secretkey", "password", "token", "credential"} {
			if strings.Contains(lower, sensitive) {
				query[key] = []string{"REDACTED"}
			}
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
