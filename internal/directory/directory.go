// Package directory reads the users, events and registrations tables owned by
// the platform's CRUD layer. The live server never writes to them.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eventhub/live/internal/errdef"
)

// RoleAdmin is the role value of administrators.
const RoleAdmin = "admin"

// User is the profile data the live server needs.
type User struct {
	ID       int64
	Username string
	Role     string
	Blocked  bool
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Event is the subset of an event the live server needs.
type Event struct {
	ID        int64
	Title     string
	CreatorID int64
}

// Directory answers lookups against PostgreSQL.
type Directory struct {
	db *sql.DB
}

func New(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Event returns the event or a NotFound error.
func (d *Directory) Event(ctx context.Context, id int64) (Event, error) {
	const query = `SELECT id, title, created_by FROM events WHERE id = $1`

	var e Event
	err := d.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Title, &e.CreatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, errdef.NewNotFound("event %d not found", id)
	}
	if err != nil {
		return Event{}, fmt.Errorf("directory: event %d: %w", id, err)
	}
	return e, nil
}

// User returns the user or a NotFound error.
func (d *Directory) User(ctx context.Context, id int64) (User, error) {
	const query = `SELECT id, username, role, is_blocked FROM users WHERE id = $1`

	var u User
	err := d.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Role, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errdef.NewNotFound("user %d not found", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: user %d: %w", id, err)
	}
	return u, nil
}

// DisplayName resolves the name shown next to a user's messages. A missing
// profile falls back to "user#<id>".
func (d *Directory) DisplayName(ctx context.Context, id int64) (string, error) {
	u, err := d.User(ctx, id)
	if errdef.IsNotFound(err) {
		return FallbackName(id), nil
	}
	if err != nil {
		return "", err
	}
	if u.Username == "" {
		return FallbackName(id), nil
	}
	return u.Username, nil
}

// FallbackName is the display name used when a profile cannot be resolved.
func FallbackName(id int64) string {
	return fmt.Sprintf("user#%d", id)
}

// AdminIDs returns the ids of every administrator, ascending.
func (d *Directory) AdminIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM users WHERE role = $1 ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("directory: admins: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directory: scan admin: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsRegistered reports whether the user holds a registration for the event.
func (d *Directory) IsRegistered(ctx context.Context, eventID, userID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM registrations WHERE event_id = $1 AND user_id = $2)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, query, eventID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory: registration: %w", err)
	}
	return ok, nil
}
