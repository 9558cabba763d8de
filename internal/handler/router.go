package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"studentportal/internal/httpmiddleware"
	"studentportal/internal/view"
)

// RouterConfig holds the HTTP-layer settings that are not handler dependencies.
type RouterConfig struct {
	FrontendDir     string
	RateLimitPerMin int
	CORSOrigins     []string
}

// NewRouter binds every portal route and the static file fallbacks.
func NewRouter(h *Handler, cfg RouterConfig) (*gin.Engine, error) {
	tmpl, err := view.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)
	r.MaxMultipartMemory = h.MaxUploadBytes

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.RequestID())
	r.Use(h.Metrics.GinMiddleware())
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	r.GET("/healthz", h.Healthz)

	credentials := httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin).GinMiddleware()
	r.POST("/register", credentials, h.Register)
	r.POST("/login", credentials, h.Login)
	r.POST("/logout", h.Logout)

	r.GET("/dashboard.html", h.Dashboard)
	r.POST("/upload-profile", h.UploadProfile)
	r.GET("/api/student/:id", h.Sessions.RequireAPI(), h.GetStudent)

	r.Static("/uploads", h.Files.Dir())
	if cfg.FrontendDir != "" {
		files := http.FileServer(http.Dir(cfg.FrontendDir))
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.String(http.StatusNotFound, "404 page not found")
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
	return r, nil
}
