package repository

import (
	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/repository/sqlite"
)

// NewRepository returns a Repository backed by SQLite at the given path.
// The path is typically from policy.StateFile() (default ~/.config/duet/state.sqlite).
func NewRepository(path string) (app.Repository, error) {
	return sqlite.New(path)
}
