package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studentportal/internal/auth"
	"studentportal/internal/intake"
	"studentportal/internal/metrics"
	"studentportal/internal/queue"
	"studentportal/internal/student"
	"studentportal/internal/view"
)

// Page messages. Browsers see these as the whole response body.
const (
	msgNoRegistrationImage = "Please upload a profile image!"
	msgRegisterFailed      = "Roll No already exists or some error occurred."
	msgInvalidLogin        = "Invalid Login"
	msgLoginError          = "Error during login"
	msgUserNotFound        = "User not found"
	msgDashboardError      = "Error loading dashboard"
	msgAccessDenied        = "Access denied"
	msgNoFile              = "No file uploaded!"
	msgUploadError         = "Error uploading image"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Students       *student.Service
	Files          *intake.Store
	Sessions       *auth.Sessions
	Events         queue.Queue // optional
	Metrics        *metrics.Metrics
	DB             Pinger
	Redis          Pinger // nil when no backend uses Redis
	MaxUploadBytes int64
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 5 << 20
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &Handler{Deps: d}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := h.DB != nil && h.DB.Healthy(ctx)
	redisHealthy := h.Redis == nil || h.Redis.Healthy(ctx)

	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
}

// ---------- Register ----------

// Register expects multipart fields firstname, lastname, rollno, password and a profileImage file.
func (h *Handler) Register(c *gin.Context) {
	header, err := h.formFile(c)
	if err != nil {
		log.Printf("register: no image: %v", err)
		h.Metrics.Registration(student.Kind(student.ErrValidation))
		c.String(http.StatusOK, msgNoRegistrationImage)
		return
	}

	filename, err := h.Files.Save(header)
	if err != nil {
		log.Printf("register: store image failed: %v", err)
		h.Metrics.Registration("storage")
		c.String(http.StatusOK, msgRegisterFailed)
		return
	}

	st, err := h.Students.Register(c.Request.Context(), student.Registration{
		FirstName:    c.PostForm("firstname"),
		LastName:     c.PostForm("lastname"),
		RollNo:       c.PostForm("rollno"),
		Password:     c.PostForm("password"),
		ProfileImage: filename,
	})
	h.Metrics.Registration(student.Kind(err))
	if err != nil {
		h.discard(filename)
		log.Printf("register: rollno=%q kind=%s err=%v", c.PostForm("rollno"), student.Kind(err), err)
		var verr *student.ValidationError
		if errors.As(err, &verr) {
			c.String(http.StatusOK, verr.Message)
			return
		}
		c.String(http.StatusOK, msgRegisterFailed)
		return
	}

	h.publish(c.Request.Context(), st.ID, filename)
	log.Printf("register: student=%d rollno=%q image=%s", st.ID, st.RollNo, filename)
	c.Redirect(http.StatusFound, "/login.html")
}

// ---------- Login / Logout ----------

func (h *Handler) Login(c *gin.Context) {
	st, err := h.Students.Authenticate(c.Request.Context(), c.PostForm("rollno"), c.PostForm("password"))
	h.Metrics.Login(student.Kind(err))
	if err != nil {
		if errors.Is(err, student.ErrInvalidCredentials) {
			c.String(http.StatusOK, msgInvalidLogin)
			return
		}
		log.Printf("login: kind=%s err=%v", student.Kind(err), err)
		c.String(http.StatusOK, msgLoginError)
		return
	}

	if _, err := h.Sessions.Start(c, st.ID); err != nil {
		log.Printf("login: session issue failed: student=%d err=%v", st.ID, err)
		c.String(http.StatusOK, msgLoginError)
		return
	}
	c.Redirect(http.StatusFound, dashboardURL(st.ID))
}

func (h *Handler) Logout(c *gin.Context) {
	h.Sessions.End(c)
	c.Redirect(http.StatusFound, "/login.html")
}

// ---------- Dashboard ----------

// Dashboard renders the page for ?user_id=ID. Only the logged-in student may view their own page.
func (h *Handler) Dashboard(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.String(http.StatusOK, msgUserNotFound)
		return
	}
	if !h.authorize(c, id) {
		return
	}

	st, err := h.Students.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			c.String(http.StatusOK, msgUserNotFound)
			return
		}
		log.Printf("dashboard: student=%d err=%v", id, err)
		c.String(http.StatusOK, msgDashboardError)
		return
	}
	c.HTML(http.StatusOK, view.DashboardTemplate, view.NewDashboard(st))
}

// ---------- Upload profile image ----------

// UploadProfile replaces the student's image with the uploaded file and removes the old one.
func (h *Handler) UploadProfile(c *gin.Context) {
	header, fileErr := h.formFile(c)

	sess, ok := h.session(c)
	if !ok {
		return
	}
	// an oversized body leaves the form unparsed, so user_id is unknown here
	var tooLarge *http.MaxBytesError
	if errors.As(fileErr, &tooLarge) {
		log.Printf("upload: student=%d body over %d bytes", sess.StudentID, tooLarge.Limit)
		h.Metrics.Upload(student.Kind(student.ErrValidation))
		c.String(http.StatusOK, msgNoFile)
		return
	}

	id, _ := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
	if !owns(c, sess, id) {
		return
	}

	if fileErr != nil {
		log.Printf("upload: student=%d no file: %v", id, fileErr)
		h.Metrics.Upload(student.Kind(student.ErrValidation))
		c.String(http.StatusOK, msgNoFile)
		return
	}

	filename, err := h.Files.Save(header)
	if err != nil {
		log.Printf("upload: student=%d store failed: %v", id, err)
		h.Metrics.Upload("storage")
		c.String(http.StatusOK, msgUploadError)
		return
	}

	previous, err := h.Students.SetProfileImage(c.Request.Context(), id, filename)
	h.Metrics.Upload(student.Kind(err))
	if err != nil {
		h.discard(filename)
		log.Printf("upload: student=%d kind=%s err=%v", id, student.Kind(err), err)
		c.String(http.StatusOK, msgUploadError)
		return
	}
	if previous != nil && *previous != intake.PlaceholderName {
		h.discard(*previous)
	}

	h.publish(c.Request.Context(), id, filename)
	log.Printf("upload: student=%d image=%s", id, filename)
	c.Redirect(http.StatusFound, dashboardURL(id))
}

// ---------- Student API ----------

// GetStudent serves GET /api/student/:id. The route is behind RequireAPI.
func (h *Handler) GetStudent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": msgUserNotFound})
		return
	}

	st, err := h.Students.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": msgUserNotFound})
			return
		}
		log.Printf("api: student=%d err=%v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ---------- helpers ----------

// authorize writes 401 without a session and 403 when the session belongs to another student.
func (h *Handler) authorize(c *gin.Context, id int64) bool {
	sess, ok := h.session(c)
	return ok && owns(c, sess, id)
}

// session writes 401 when the request carries no valid session.
func (h *Handler) session(c *gin.Context) (auth.Session, bool) {
	sess, err := h.Sessions.Current(c)
	if err != nil {
		c.String(http.StatusUnauthorized, "Please log in")
		return auth.Session{}, false
	}
	return sess, true
}

func owns(c *gin.Context, sess auth.Session, id int64) bool {
	if sess.StudentID != id {
		c.String(http.StatusForbidden, msgAccessDenied)
		return false
	}
	return true
}

// formFile reads the single profileImage part, bounded by MaxUploadBytes.
func (h *Handler) formFile(c *gin.Context) (*multipart.FileHeader, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+(1<<20))
	header, err := c.FormFile("profileImage")
	if err != nil {
		return nil, err
	}
	if header.Size > h.MaxUploadBytes {
		return nil, fmt.Errorf("file %q is %d bytes, limit %d", header.Filename, header.Size, h.MaxUploadBytes)
	}
	return header, nil
}

func (h *Handler) discard(filename string) {
	if err := h.Files.Remove(filename); err != nil {
		log.Printf("remove %s failed: %v", filename, err)
	}
}

func (h *Handler) publish(ctx context.Context, studentID int64, filename string) {
	if h.Events == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeProfileImage, queue.ProfileImage{StudentID: studentID, Filename: filename})
	if err == nil {
		err = h.Events.Publish(ctx, msg)
	}
	if err != nil {
		log.Printf("queue publish failed: student=%d file=%s err=%v", studentID, filename, err)
	}
}

func dashboardURL(id int64) string {
	return "/dashboard.html?user_id=" + strconv.FormatInt(id, 10)
}
