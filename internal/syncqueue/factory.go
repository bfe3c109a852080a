package syncqueue

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildQueueFromDSN selects a queue backend by DSN scheme. A bare path or
// file:// DSN builds a file-backed queue; memory:// an in-memory one;
// postgres:// a Postgres-backed one. Broker-style schemes are reserved.
func BuildQueueFromDSN(dsn string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: sync queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sync queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
