package db

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-dialer/internal/config"
)

// Scylla holds the session backing the attempt journal.
type Scylla struct {
	session *gocql.Session
}

// NewScylla connects to the cluster.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// ApplySchema runs every statement of the .cql files found in schema.
func (s *Scylla) ApplySchema(schema fs.FS) error {
	names, err := fs.Glob(schema, "scylla/*.cql")
	if err != nil {
		return fmt.Errorf("scylla: list schema: %w", err)
	}
	for _, name := range names {
		body, err := fs.ReadFile(schema, name)
		if err != nil {
			return fmt.Errorf("scylla: read %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(body)) {
			if err := s.session.Query(stmt).Exec(); err != nil {
				return fmt.Errorf("scylla: apply %s: %w", name, err)
			}
		}
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func splitStatements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func parseConsistency(level string) gocql.Consistency {
	switch strings.ToLower(level) {
	case "one":
		return gocql.One
	case "local_one":
		return gocql.LocalOne
	case "local_quorum":
		return gocql.LocalQuorum
	default:
		return gocql.Quorum
	}
}
