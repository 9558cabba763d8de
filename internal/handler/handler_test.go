package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"studentportal/internal/auth"
	"studentportal/internal/intake"
	"studentportal/internal/metrics"
	"studentportal/internal/queue"
	"studentportal/internal/store"
	"studentportal/internal/student"
)

const signingKey = "handler-test-signing-key-0123456789"

type testEnv struct {
	router *gin.Engine
	db     *store.DB
	repo   *student.Repository
	files  *intake.Store
	tokens *auth.Tokens
	events *queue.InMemory
}

func setup(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "portal.db")
	require.NoError(t, store.Migrate("sqlite3", dbPath))
	db, err := store.NewDB("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	files, err := intake.New(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	require.NoError(t, files.EnsurePlaceholder())

	frontend := filepath.Join(dir, "frontend")
	require.NoError(t, os.MkdirAll(frontend, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frontend, "login.html"), []byte("<form>login</form>"), 0o644))

	passwords, err := auth.NewPasswords(bcrypt.MinCost)
	require.NoError(t, err)
	tokens := auth.NewTokens(signingKey, "student-portal", time.Hour)
	repo := student.NewRepository(db.Client)
	events := queue.NewInMemory(16)

	h := New(Deps{
		Students:       student.NewService(repo, passwords),
		Files:          files,
		Sessions:       auth.NewSessions(tokens, auth.NewMemoryRevocations(), false),
		Events:         events,
		Metrics:        metrics.New(),
		DB:             db,
		MaxUploadBytes: 1 << 20,
	})
	r, err := NewRouter(h, RouterConfig{FrontendDir: frontend, RateLimitPerMin: rateLimit})
	require.NoError(t, err)

	return &testEnv{router: r, db: db, repo: repo, files: files, tokens: tokens, events: events}
}

func (e *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		part, err := w.CreateFormFile("profileImage", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func (e *testEnv) register(t *testing.T, rollNo, password string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(multipartRequest(t, "/register", map[string]string{
		"firstname": "Ada",
		"lastname":  "Lovelace",
		"rollno":    rollNo,
		"password":  password,
	}, "me.png", []byte("\x89PNG\r\n\x1a\nfirst")))
}

func (e *testEnv) mustRegister(t *testing.T, rollNo, password string) *student.Student {
	t.Helper()
	w := e.register(t, rollNo, password)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	st, err := e.repo.GetByRollNo(context.Background(), rollNo)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (e *testEnv) login(t *testing.T, rollNo, password string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(formRequest("/login", url.Values{"rollno": {rollNo}, "password": {password}}))
}

func (e *testEnv) sessionFor(t *testing.T, id int64) *http.Cookie {
	t.Helper()
	sess, err := e.tokens.Issue(id)
	require.NoError(t, err)
	return &http.Cookie{Name: auth.CookieName, Value: sess.Token}
}

func uploadCount(t *testing.T, e *testEnv) int {
	t.Helper()
	entries, err := os.ReadDir(e.files.Dir())
	require.NoError(t, err)
	n := 0
	for _, entry := range entries {
		if entry.Name() != intake.PlaceholderName {
			n++
		}
	}
	return n
}

func dashboardRequest(id string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/dashboard.html?user_id="+id, nil)
}

func TestRegister(t *testing.T) {
	e := setup(t, 1000)

	w := e.register(t, "R1", "secret")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login.html", w.Header().Get("Location"))

	st, err := e.repo.GetByRollNo(context.Background(), "R1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NotEqual(t, "secret", st.PasswordHash)
	require.True(t, st.HasProfileImage())
	_, err = os.Stat(filepath.Join(e.files.Dir(), *st.ProfileImage))
	assert.NoError(t, err, "stored image must exist on disk")
}

func TestRegister_NoImage(t *testing.T) {
	e := setup(t, 1000)

	w := e.do(multipartRequest(t, "/register", map[string]string{
		"firstname": "A", "lastname": "B", "rollno": "R1", "password": "pw",
	}, "", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Please upload a profile image!", w.Body.String())

	st, err := e.repo.GetByRollNo(context.Background(), "R1")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 0, uploadCount(t, e))
}

func TestRegister_DuplicateRollNoLeavesNoOrphan(t *testing.T) {
	e := setup(t, 1000)
	e.mustRegister(t, "R1", "pw")
	require.Equal(t, 1, uploadCount(t, e))

	w := e.register(t, "R1", "other")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Roll No already exists or some error occurred.", w.Body.String())
	assert.Equal(t, 1, uploadCount(t, e))

	var n int
	require.NoError(t, e.db.Client.QueryRow(`SELECT COUNT(*) FROM students WHERE rollno = $1`, "R1").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRegister_ImageTooLarge(t *testing.T) {
	e := setup(t, 1000)
	w := e.do(multipartRequest(t, "/register", map[string]string{
		"firstname": "A", "lastname": "B", "rollno": "R1", "password": "pw",
	}, "big.png", bytes.Repeat([]byte("x"), (1<<20)+1)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Please upload a profile image!", w.Body.String())
	assert.Equal(t, 0, uploadCount(t, e))
}

func TestLogin(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")

	w := e.login(t, "R1", "pw")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard.html?user_id="+itoa(st.ID), w.Header().Get("Location"))
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	w = e.login(t, "R1", "wrong")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Invalid Login", w.Body.String())

	w = e.login(t, "nobody", "pw")
	assert.Equal(t, "Invalid Login", w.Body.String())
}

func TestLogin_StorageFailure(t *testing.T) {
	e := setup(t, 1000)
	require.NoError(t, e.db.Close())

	w := e.login(t, "R1", "pw")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Error during login", w.Body.String())
}

func TestLogin_RateLimited(t *testing.T) {
	e := setup(t, 2)
	assert.Equal(t, "Invalid Login", e.login(t, "x", "y").Body.String())
	assert.Equal(t, "Invalid Login", e.login(t, "x", "y").Body.String())
	assert.Equal(t, http.StatusTooManyRequests, e.login(t, "x", "y").Code)
}

func TestDashboard(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	cookie := e.sessionFor(t, st.ID)

	w := e.do(dashboardRequest(itoa(st.ID)), cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Ada Lovelace")
	assert.Contains(t, body, "R1")
	assert.Contains(t, body, `src="/uploads/`+*st.ProfileImage+`"`)
	assert.Contains(t, body, "Profile Image uploaded successfully")
	assert.NotContains(t, body, `action="/upload-profile"`)
}

func TestDashboard_WithoutImageShowsUploadForm(t *testing.T) {
	e := setup(t, 1000)
	st := &student.Student{FirstName: "Grace", LastName: "Hopper", RollNo: "R2", PasswordHash: "x"}
	require.NoError(t, e.repo.Create(context.Background(), st))

	w := e.do(dashboardRequest(itoa(st.ID)), e.sessionFor(t, st.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "/uploads/default.png")
	assert.Contains(t, body, `action="/upload-profile"`)
	assert.Contains(t, body, `value="`+itoa(st.ID)+`"`)
	assert.NotContains(t, body, "Profile Image uploaded successfully")
}

func TestDashboard_UploadSwitchesToConfirmation(t *testing.T) {
	e := setup(t, 1000)
	st := &student.Student{FirstName: "Grace", LastName: "Hopper", RollNo: "R2", PasswordHash: "x"}
	require.NoError(t, e.repo.Create(context.Background(), st))
	cookie := e.sessionFor(t, st.ID)

	before := e.do(dashboardRequest(itoa(st.ID)), cookie).Body.String()
	assert.Contains(t, before, `action="/upload-profile"`)

	w := e.do(multipartRequest(t, "/upload-profile", map[string]string{"user_id": itoa(st.ID)}, "me.png", []byte("png")), cookie)
	require.Equal(t, http.StatusFound, w.Code)

	after := e.do(dashboardRequest(itoa(st.ID)), cookie).Body.String()
	assert.Contains(t, after, "Profile Image uploaded successfully")
	assert.NotContains(t, after, `action="/upload-profile"`)
	assert.NotContains(t, after, "/uploads/default.png")
}

func TestDashboard_Errors(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	other := e.mustRegister(t, "R2", "pw")

	tests := []struct {
		name     string
		id       string
		cookie   *http.Cookie
		wantCode int
		wantBody string
	}{
		{"missing id", "", e.sessionFor(t, st.ID), http.StatusOK, "User not found"},
		{"non-numeric id", "abc", e.sessionFor(t, st.ID), http.StatusOK, "User not found"},
		{"no session", itoa(st.ID), nil, http.StatusUnauthorized, "Please log in"},
		{"other student", itoa(other.ID), e.sessionFor(t, st.ID), http.StatusForbidden, "Access denied"},
		{"unknown id", "9999", e.sessionFor(t, 9999), http.StatusOK, "User not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cookies []*http.Cookie
			if tt.cookie != nil {
				cookies = append(cookies, tt.cookie)
			}
			w := e.do(dashboardRequest(tt.id), cookies...)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestDashboard_StorageFailure(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	require.NoError(t, e.db.Close())

	w := e.do(dashboardRequest(itoa(st.ID)), e.sessionFor(t, st.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Error loading dashboard", w.Body.String())
}

func TestUploadProfile_ReplacesImage(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	oldImage := *st.ProfileImage
	cookie := e.sessionFor(t, st.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := e.events.Consume(ctx)
	require.NoError(t, err)

	w := e.do(multipartRequest(t, "/upload-profile", map[string]string{"user_id": itoa(st.ID)}, "new.jpg", []byte("jpeg")), cookie)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard.html?user_id="+itoa(st.ID), w.Header().Get("Location"))

	updated, err := e.repo.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	require.True(t, updated.HasProfileImage())
	assert.NotEqual(t, oldImage, *updated.ProfileImage)
	assert.True(t, strings.HasSuffix(*updated.ProfileImage, ".jpg"))

	_, err = os.Stat(filepath.Join(e.files.Dir(), oldImage))
	assert.True(t, os.IsNotExist(err), "replaced image is removed")
	assert.Equal(t, 1, uploadCount(t, e))

	// registration and upload each publish one event, in order
	var filenames []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-messages:
			assert.Equal(t, queue.TypeProfileImage, msg.Type)
			var body queue.ProfileImage
			require.NoError(t, msg.Decode(&body))
			assert.Equal(t, st.ID, body.StudentID)
			filenames = append(filenames, body.Filename)
		case <-time.After(time.Second):
			t.Fatal("upload event not published")
		}
	}
	assert.Equal(t, []string{oldImage, *updated.ProfileImage}, filenames)
}

func TestUploadProfile_Errors(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	other := e.mustRegister(t, "R2", "pw")
	fields := map[string]string{"user_id": itoa(st.ID)}

	w := e.do(multipartRequest(t, "/upload-profile", fields, "a.png", []byte("x")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(multipartRequest(t, "/upload-profile", fields, "a.png", []byte("x")), e.sessionFor(t, other.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access denied", w.Body.String())

	w = e.do(multipartRequest(t, "/upload-profile", fields, "", nil), e.sessionFor(t, st.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "No file uploaded!", w.Body.String())

	assert.Equal(t, 2, uploadCount(t, e))
}

func TestUploadProfile_BodyOverLimit(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	image := *st.ProfileImage

	// 3 MiB is past the 1 MiB file limit plus the form allowance
	req := multipartRequest(t, "/upload-profile", map[string]string{"user_id": itoa(st.ID)}, "big.png", bytes.Repeat([]byte("x"), 3<<20))
	w := e.do(req, e.sessionFor(t, st.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "No file uploaded!", w.Body.String())

	got, err := e.repo.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, image, *got.ProfileImage)
	assert.Equal(t, 1, uploadCount(t, e))

	req = multipartRequest(t, "/upload-profile", map[string]string{"user_id": itoa(st.ID)}, "big.png", bytes.Repeat([]byte("x"), 3<<20))
	assert.Equal(t, http.StatusUnauthorized, e.do(req).Code)
}

func TestUploadProfile_UnknownStudentRemovesFile(t *testing.T) {
	e := setup(t, 1000)

	w := e.do(multipartRequest(t, "/upload-profile", map[string]string{"user_id": "4242"}, "a.png", []byte("x")), e.sessionFor(t, 4242))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Error uploading image", w.Body.String())
	assert.Equal(t, 0, uploadCount(t, e))
}

func TestGetStudent(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	cookie := e.sessionFor(t, st.ID)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/student/"+itoa(st.ID), nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/student/"+itoa(st.ID), nil), cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(st.ID), got["id"])
	assert.Equal(t, "Ada", got["firstname"])
	assert.Equal(t, "Lovelace", got["lastname"])
	assert.Equal(t, "R1", got["rollno"])
	assert.Equal(t, *st.ProfileImage, got["profileImage"])
	assert.Len(t, got, 5, "password hash must never be serialised")

	for _, id := range []string{"9999", "abc"} {
		w = e.do(httptest.NewRequest(http.MethodGet, "/api/student/"+id, nil), cookie)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"User not found"}`, w.Body.String())
	}

	require.NoError(t, e.db.Close())
	w = e.do(httptest.NewRequest(http.MethodGet, "/api/student/"+itoa(st.ID), nil), cookie)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Server error"}`, w.Body.String())
}

func TestGetStudent_NullImage(t *testing.T) {
	e := setup(t, 1000)
	st := &student.Student{FirstName: "G", LastName: "H", RollNo: "R2", PasswordHash: "x"}
	require.NoError(t, e.repo.Create(context.Background(), st))

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/student/"+itoa(st.ID), nil), e.sessionFor(t, st.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"profileImage":null`)
}

func TestLogout(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")
	cookie := e.sessionFor(t, st.ID)

	require.Equal(t, http.StatusOK, e.do(dashboardRequest(itoa(st.ID)), cookie).Code)

	w := e.do(httptest.NewRequest(http.MethodPost, "/logout", nil), cookie)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login.html", w.Header().Get("Location"))

	assert.Equal(t, http.StatusUnauthorized, e.do(dashboardRequest(itoa(st.ID)), cookie).Code)

	// without a session logout still redirects
	w = e.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestTamperedSessionRejected(t *testing.T) {
	e := setup(t, 1000)
	st := e.mustRegister(t, "R1", "pw")

	forged, err := auth.NewTokens("some-other-signing-key-0123456789", "student-portal", time.Hour).Issue(st.ID)
	require.NoError(t, err)
	w := e.do(dashboardRequest(itoa(st.ID)), &http.Cookie{Name: auth.CookieName, Value: forged.Token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthz(t *testing.T) {
	e := setup(t, 1000)

	w := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","db":true,"redis":true}`, w.Body.String())

	require.NoError(t, e.db.Close())
	w = e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setup(t, 1000)
	e.mustRegister(t, "R1", "pw")
	e.login(t, "R1", "bad")

	w := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `portal_registrations_total{result="ok"} 1`)
	assert.Contains(t, body, `portal_logins_total{result="invalid_credentials"} 1`)
	assert.Contains(t, body, `portal_http_requests_total{method="POST",route="/register",status="302"} 1`)
}

func TestStaticFiles(t *testing.T) {
	e := setup(t, 1000)

	w := e.do(httptest.NewRequest(http.MethodGet, "/login.html", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login")

	w = e.do(httptest.NewRequest(http.MethodGet, "/uploads/default.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = e.do(httptest.NewRequest(http.MethodGet, "/missing.html", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
