// Package view renders the server-side pages of the portal.
package view

import (
	"embed"
	"html/template"
	"net/url"

	"studentportal/internal/intake"
	"studentportal/internal/student"
)

// DashboardTemplate is the template name handlers pass to gin's c.HTML.
const DashboardTemplate = "dashboard.html"

//go:embed templates/*.html
var templatesFS embed.FS

// Templates parses the embedded page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templatesFS, "templates/*.html")
}

// Dashboard is the data bound to the dashboard template.
type Dashboard struct {
	StudentID      int64
	FullName       string
	RollNo         string
	ImageURL       string
	ShowUploadForm bool
}

// NewDashboard builds the page data. A student without an image gets the placeholder and the upload form.
func NewDashboard(st *student.Student) Dashboard {
	d := Dashboard{
		StudentID:      st.ID,
		FullName:       st.FullName(),
		RollNo:         st.RollNo,
		ImageURL:       ImageURL(intake.PlaceholderName),
		ShowUploadForm: !st.HasProfileImage(),
	}
	if st.HasProfileImage() {
		d.ImageURL = ImageURL(*st.ProfileImage)
	}
	return d
}

// ImageURL is the public path of a stored upload.
func ImageURL(name string) string {
	return "/uploads/" + url.PathEscape(name)
}
