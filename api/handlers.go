package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/reconcile"
)

const (
	postTaskMaxSize        = 16 << 10
	putConnectivityMaxSize = 1 << 10
	todayLayout            = "2006-01-02"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, engine Engine, conn ConnectivitySignal, session Session, loc *time.Location, logger *log.Logger) {
	if loc == nil {
		loc = time.Local
	}
	e.GET("/api/tasks", getTasks(engine, loc))
	e.POST("/api/tasks", postTask(engine, logger))
	e.POST("/api/sync", postSync(engine))
	e.GET("/api/connectivity", getConnectivity(conn))
	e.PUT("/api/connectivity", putConnectivity(conn, logger))
	e.GET("/api/session", getSession(session))
	e.POST("/api/session", postSession(engine, session, logger))
	e.DELETE("/api/session", deleteSession(session, logger))
	e.GET("/healthz", healthz())
	e.GET("/metrics", echoprometheus.NewHandler())
}

type bucket struct {
	Key   string        `json:"key"`
	Tasks []domain.Task `json:"tasks"`
}

type tasksResponse struct {
	Today   string   `json:"today"`
	Buckets []bucket `json:"buckets"`
}

type syncSummary struct {
	Online             bool   `json:"online"`
	Converged          bool   `json:"converged"`
	Tasks              int    `json:"tasks"`
	Pulled             int    `json:"pulled"`
	Uploaded           int    `json:"uploaded"`
	UploadFailures     int    `json:"uploadFailures"`
	Deferred           int    `json:"deferred"`
	LocalWriteFailures int    `json:"localWriteFailures"`
	LocalError         string `json:"localError,omitempty"`
	RemoteError        string `json:"remoteError,omitempty"`
	DurationMs         int64  `json:"durationMs"`
}

func summarize(rep reconcile.Report) syncSummary {
	s := syncSummary{
		Online:             rep.Online,
		Converged:          rep.Converged(),
		Tasks:              len(rep.Tasks),
		Pulled:             rep.Pulled,
		Uploaded:           rep.Uploaded,
		UploadFailures:     rep.UploadFailures,
		Deferred:           rep.Deferred,
		LocalWriteFailures: rep.LocalWriteFailures,
		DurationMs:         rep.Duration.Milliseconds(),
	}
	if rep.LocalErr != nil {
		s.LocalError = rep.LocalErr.Error()
	}
	if rep.RemoteErr != nil {
		s.RemoteError = rep.RemoteErr.Error()
	}
	return s
}

type createResponse struct {
	Task domain.Task `json:"task"`
	Sync syncSummary `json:"sync"`
}

type connectivityBody struct {
	Online *bool `json:"online"`
}

type sessionResponse struct {
	SignedIn  bool         `json:"signedIn"`
	UserID    string       `json:"userId,omitempty"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	Sync      *syncSummary `json:"sync,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(engine Engine, loc *time.Location) echo.HandlerFunc {
	return func(c echo.Context) error {
		today := time.Now().In(loc)
		if raw := strings.TrimSpace(c.QueryParam("today")); raw != "" {
			parsed, err := time.ParseInLocation(todayLayout, raw, loc)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid today")
			}
			today = parsed
		}

		groups := domain.GroupByDisplayBucket(engine.View(c.Request().Context()), today)
		resp := tasksResponse{
			Today:   domain.DayKey(today, loc),
			Buckets: make([]bucket, 0, len(groups)),
		}
		for _, key := range domain.BucketKeys(groups) {
			resp.Buckets = append(resp.Buckets, bucket{Key: key, Tasks: groups[key]})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// isJSON holds only for bodies a browser cannot send cross-origin without a
// preflight.
func isJSON(c echo.Context) bool {
	ctype := c.Request().Header.Get(echo.HeaderContentType)
	return strings.HasPrefix(strings.ToLower(ctype), echo.MIMEApplicationJSON)
}

func postTask(engine Engine, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isJSON(c) {
			return c.String(http.StatusUnsupportedMediaType, "content type must be application/json")
		}
		lr := io.LimitReader(c.Request().Body, postTaskMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var in reconcile.NewTask
		if err := dec.Decode(&in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		task, rep, err := engine.CreateTask(c.Request().Context(), in)
		if err != nil {
			if domain.IsValidation(err) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			logger.WithError(err).Error("create task")
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		return c.JSON(http.StatusCreated, createResponse{Task: task, Sync: summarize(rep)})
	}
}

func postSync(engine Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		rep := engine.Sync(c.Request().Context())
		return c.JSON(http.StatusOK, summarize(rep))
	}
}

func getConnectivity(conn ConnectivitySignal) echo.HandlerFunc {
	return func(c echo.Context) error {
		online := conn.Online()
		return c.JSON(http.StatusOK, connectivityBody{Online: &online})
	}
}

func putConnectivity(conn ConnectivitySignal, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isJSON(c) {
			return c.String(http.StatusUnsupportedMediaType, "content type must be application/json")
		}
		lr := io.LimitReader(c.Request().Body, putConnectivityMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var body connectivityBody
		if err := dec.Decode(&body); err != nil || body.Online == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		logger.WithField("online", *body.Online).Debug("connectivity signal injected")
		conn.Set(*body.Online)
		return c.JSON(http.StatusOK, body)
	}
}

func getSession(session Session) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := session.CurrentUser()
		return c.JSON(http.StatusOK, sessionResponse{SignedIn: ok, UserID: user})
	}
}

// postSession signs in with the bearer token and runs a sync pass so the
// signed-in user's remote tasks join the view. While a user is signed in only
// their own token is accepted; switching users requires a DELETE first.
func postSession(engine Engine, session Session, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
		if header == "" {
			return c.String(http.StatusBadRequest, "missing authorization header")
		}
		if !session.Authorize(header) {
			logger.Info("sign in refused; another user is signed in")
			return c.String(http.StatusForbidden, "signed in with another token")
		}
		id, err := session.SignIn(header)
		if err != nil {
			logger.WithError(err).Info("sign in rejected")
			return c.String(http.StatusUnauthorized, err.Error())
		}
		logger.WithField("user_id", id.UserID).Info("signed in")

		sum := summarize(engine.Sync(c.Request().Context()))
		resp := sessionResponse{SignedIn: true, UserID: id.UserID, Sync: &sum}
		if !id.ExpiresAt.IsZero() {
			exp := id.ExpiresAt.UTC()
			resp.ExpiresAt = &exp
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func deleteSession(session Session, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !session.Authorize(c.Request().Header.Get(echo.HeaderAuthorization)) {
			return c.String(http.StatusForbidden, "current session token required")
		}
		session.Logout()
		logger.Info("signed out")
		return c.NoContent(http.StatusNoContent)
	}
}
