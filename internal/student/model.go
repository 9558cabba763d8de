package student

// Student is a registered portal user. PasswordHash never leaves the server.
type Student struct {
	ID           int64   `json:"id"`
	FirstName    string  `json:"firstname"`
	LastName     string  `json:"lastname"`
	RollNo       string  `json:"rollno"`
	PasswordHash string  `json:"-"`
	ProfileImage *string `json:"profileImage"`
}

// HasProfileImage reports whether the dashboard is in its has-image state.
func (s Student) HasProfileImage() bool {
	return s.ProfileImage != nil && *s.ProfileImage != ""
}

// FullName joins first and last name the way the dashboard greets the student.
func (s Student) FullName() string {
	return s.FirstName + " " + s.LastName
}
