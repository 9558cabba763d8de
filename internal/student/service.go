package student

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Passwords is the hashing dependency of the service.
type Passwords interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// Registration is the input of Register. ProfileImage is the stored upload name.
type Registration struct {
	FirstName    string
	LastName     string
	RollNo       string
	Password     string
	ProfileImage string
}

// Service implements registration, login and profile updates on top of the repository.
type Service struct {
	repo      *Repository
	passwords Passwords
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, passwords Passwords) *Service {
	return &Service{repo: repo, passwords: passwords}
}

// Register hashes the password and inserts the student.
func (s *Service) Register(ctx context.Context, in Registration) (*Student, error) {
	if strings.TrimSpace(in.ProfileImage) == "" {
		return nil, &ValidationError{Message: "Please upload a profile image!"}
	}
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", ErrStorage, err)
	}
	image := in.ProfileImage
	st := &Student{
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		RollNo:       in.RollNo,
		PasswordHash: hash,
		ProfileImage: &image,
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Authenticate returns the student whose roll number and password match.
// Unknown roll numbers and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, rollNo, password string) (*Student, error) {
	st, err := s.repo.GetByRollNo(ctx, rollNo)
	if err != nil {
		return nil, err
	}
	if st == nil {
		s.passwords.Verify("", password)
		return nil, ErrInvalidCredentials
	}
	if !s.passwords.Verify(st.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return st, nil
}

// Get returns the student or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*Student, error) {
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// SetProfileImage records filename as the student's image and returns the replaced name, if any.
func (s *Service) SetProfileImage(ctx context.Context, id int64, filename string) (*string, error) {
	if filename == "" {
		return nil, &ValidationError{Message: "No file uploaded!"}
	}
	previous, err := s.repo.UpdateProfileImage(ctx, id, filename)
	if err != nil {
		return nil, err
	}
	if previous != nil && *previous == filename {
		return nil, nil
	}
	return previous, nil
}

// Kind names the error class for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "storage"
	}
}
