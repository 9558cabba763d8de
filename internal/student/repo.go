package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studentportal/internal/store"
)

const queryTimeout = 3 * time.Second

// Repository persists students through the shared pool.
// Queries number their placeholders in order of appearance so the same text runs on pgx and sqlite3.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts st and fills in its generated id.
func (r *Repository) Create(ctx context.Context, st *Student) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (firstname, lastname, rollno, password_hash, profile_image)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, st.FirstName, st.LastName, st.RollNo, st.PasswordHash, st.ProfileImage)
	if err := row.Scan(&st.ID); err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConstraintViolation, st.RollNo)
		}
		return fmt.Errorf("%w: insert student: %v", ErrStorage, err)
	}
	return nil
}

// GetByID returns nil when no student has the id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Student, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, firstname, lastname, rollno, password_hash, profile_image
		FROM students WHERE id = $1
	`, id)
	return scanStudent(row)
}

// GetByRollNo returns nil when the roll number is unknown.
func (r *Repository) GetByRollNo(ctx context.Context, rollNo string) (*Student, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, firstname, lastname, rollno, password_hash, profile_image
		FROM students WHERE rollno = $1
	`, rollNo)
	return scanStudent(row)
}

// UpdateProfileImage points the student at filename and returns the name it replaced, if any.
// The read and the write are separate statements; concurrent uploads for one student are last-writer-wins.
func (r *Repository) UpdateProfileImage(ctx context.Context, id int64, filename string) (*string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var previous sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT profile_image FROM students WHERE id = $1`, id).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read profile image: %v", ErrStorage, err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE students SET profile_image = $1 WHERE id = $2`, filename, id)
	if err != nil {
		return nil, fmt.Errorf("%w: update profile image: %v", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	if !previous.Valid {
		return nil, nil
	}
	return &previous.String, nil
}

func scanStudent(row *sql.Row) (*Student, error) {
	var st Student
	var image sql.NullString
	if err := row.Scan(&st.ID, &st.FirstName, &st.LastName, &st.RollNo, &st.PasswordHash, &image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if image.Valid {
		st.ProfileImage = &image.String
	}
	return &st, nil
}
