// Package history records finished builds so they can be listed later.
// Builds are stored in SQLite or Postgres depending on the configured URL.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/dray/pkg/types"
)

var (
	// ErrNotFound is returned when a build id is unknown
	ErrNotFound = errors.New("build not found")
	// ErrUnsupportedURL is returned for history URLs with an unknown scheme
	ErrUnsupportedURL = errors.New("unsupported history url")
)

// Record is one finished build
type Record struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Roots      []string            `json:"roots"`
	Success    bool                `json:"success"`
	ExitCode   int                 `json:"exit_code"`
	Tasks      []types.TaskOutcome `json:"tasks,omitempty"`
}

// Store persists build records
type Store interface {
	RecordBuild(ctx context.Context, rec *Record) error
	GetBuild(ctx context.Context, id string) (*Record, error)
	// ListBuilds returns the most recent builds first, without task detail
	ListBuilds(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// Open connects to the store named by url. Supported schemes are
// sqlite://PATH and postgres:// (or postgresql://).
func Open(ctx context.Context, url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		s, err := OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := OpenPostgres(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
}

// SupportedURL reports whether Open understands url
func SupportedURL(url string) bool {
	for _, prefix := range []string{"sqlite://", "postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

const defaultListLimit = 20
