// Package server exposes the upload pipeline over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bulk-distance/internal/excel"
	"bulk-distance/internal/models"
	"bulk-distance/internal/payment"
	"bulk-distance/internal/pipeline"
	"bulk-distance/internal/quota"
	"bulk-distance/internal/session"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// maxUploadBody bounds an upload request: the largest accepted file plus
// room for the multipart framing.
const maxUploadBody = excel.MaxUploadSize + 1<<20

const (
	cookieName   = "bulkdistance"
	sessionIDKey = "sid"
	contextKey   = "upload-session"
)

type Options struct {
	SessionSecret string
	// PublicURL is where the payment processor sends the buyer back to.
	PublicURL   string
	SessionIdle time.Duration
}

type Server struct {
	svc      *pipeline.Service
	sessions *session.Store
	opts     Options
	engine   *gin.Engine
}

func New(svc *pipeline.Service, store *session.Store, opts Options) *Server {
	if opts.SessionSecret == "" {
		log.Warn().Msg("SESSION_SECRET not set, using a random key; sessions will not survive a restart")
		opts.SessionSecret = uuid.New().String()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")

	s := &Server{svc: svc, sessions: store, opts: opts}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = maxUploadBody
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": s.sessions.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	store := cookie.NewStore([]byte(s.opts.SessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})

	app := r.Group("/")
	app.Use(sessions.Sessions(cookieName, store), s.attachSession)
	{
		app.GET("/", s.handleStatus)
		app.GET("/download-template", handleTemplate)
		app.GET("/download-result", s.handleResult)
		app.GET("/paid", s.handlePaid)
		app.GET("/payment-cancelled", s.handlePaymentCancelled)

		api := app.Group("/api")
		api.POST("/upload", s.handleUpload)
		api.POST("/upload/sheet", s.handleUploadSheet)
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)
		api.POST("/calculate", s.handleCalculate)
		api.POST("/cancel", s.handleCancel)
		api.POST("/payments/order", s.handleOrder)
		api.POST("/payments/capture", s.handleCapture)
	}
	return r
}

// Run serves until ctx is cancelled. Idle sessions are swept in the
// background.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) sweep(ctx context.Context) {
	if s.opts.SessionIdle <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.SessionIdle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.Sweep(s.opts.SessionIdle); n > 0 {
				log.Debug().Int("removed", n).Msg("swept idle sessions")
			}
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// attachSession binds the cookie's session ID to an upload session,
// issuing a new ID on first visit.
func (s *Server) attachSession(c *gin.Context) {
	cs := sessions.Default(c)
	id, _ := cs.Get(sessionIDKey).(string)

	sess := s.sessions.GetOrCreate(id)
	if sess.ID != id {
		cs.Set(sessionIDKey, sess.ID)
		if err := cs.Save(); err != nil {
			log.Error().Err(err).Msg("failed to save session cookie")
		}
	}
	c.Set(contextKey, sess)
	c.Next()
}

func current(c *gin.Context) *session.Session {
	return c.MustGet(contextKey).(*session.Session)
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, payment.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, excel.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, excel.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNoResults):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrPaymentsDisabled), errors.Is(err, pipeline.ErrSheetsUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, payment.ErrUnknownOrder), errors.Is(err, payment.ErrAlreadyUsed):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrPaymentFailed):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func quoteBody(snap session.Snapshot, q payment.Quote) gin.H {
	return gin.H{
		"ok":        true,
		"state":     snap.State,
		"report":    snap.Report,
		"progress":  snap.Progress,
		"shortfall": q.Rows,
		"price":     q.Amount.StringFixed(2),
		"currency":  q.Currency,
		"error":     snap.Error,
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	sess := current(c)
	tooLarge := fmt.Errorf("%w: upload exceeds %d bytes", excel.ErrUnsupportedFormat, excel.MaxUploadSize)
	if c.Request.ContentLength > maxUploadBody {
		fail(c, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)

	fh, err := c.FormFile("file")
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		fail(c, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	if err != nil {
		fail(c, http.StatusBadRequest, errors.New("no file uploaded"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	defer f.Close()

	q, err := s.svc.Upload(c.Request.Context(), sess, fh.Filename, f, fh.Size)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, quoteBody(sess.Snapshot(), q))
}

func (s *Server) handleUploadSheet(c *gin.Context) {
	sess := current(c)
	var req struct {
		URL string `form:"url" json:"url" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	q, err := s.svc.UploadSheet(c.Request.Context(), sess, req.URL)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, quoteBody(sess.Snapshot(), q))
}

func (s *Server) handleStatus(c *gin.Context) {
	sess := current(c)
	q, err := s.svc.Quote(c.Request.Context(), sess)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	body := quoteBody(sess.Snapshot(), q)
	body["rows"] = len(sess.Rows())
	body["results"] = len(sess.Results())
	body["payments"] = s.svc.PaymentsEnabled()
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleLogs(c *gin.Context) {
	sess := current(c)
	snap := sess.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"logs":     sess.Logs(),
		"state":    snap.State,
		"progress": snap.Progress,
	})
}

func (s *Server) handleCalculate(c *gin.Context) {
	sess := current(c)
	vehicle, err := models.ParseVehicle(c.PostForm("vehicle"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	if err := s.svc.Start(c.Request.Context(), sess, vehicle); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"ok":        false,
				"error":     err.Error(),
				"shortfall": exceeded.Shortfall,
				"price":     exceeded.Price.StringFixed(2),
				"currency":  exceeded.Currency,
			})
			return
		}
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "state": sess.State()})
}

func (s *Server) handleCancel(c *gin.Context) {
	sess := current(c)
	cancelled := sess.Cancel()
	if cancelled {
		sess.Log("Cancellation requested by user")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": cancelled})
}

func (s *Server) handleOrder(c *gin.Context) {
	sess := current(c)
	order, q, err := s.svc.RequestPayment(c.Request.Context(), sess,
		s.opts.PublicURL+"/paid", s.opts.PublicURL+"/payment-cancelled")
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}

	body := gin.H{
		"ok":       true,
		"state":    sess.State(),
		"rows":     q.Rows,
		"price":    q.Amount.StringFixed(2),
		"currency": q.Currency,
	}
	if order != nil {
		body["order_id"] = order.ID
		body["approve_url"] = order.ApproveURL
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCapture(c *gin.Context) {
	sess := current(c)
	var req struct {
		OrderID string `form:"order_id" json:"order_id" binding:"required"`
		Paid    int    `form:"paid" json:"paid"`
	}
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("order_id is required"))
		return
	}

	credited, err := s.svc.ConfirmPayment(c.Request.Context(), sess, req.OrderID, req.Paid)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "credited": credited, "state": sess.State()})
}

// handlePaid is the processor's return URL. The marker is consumed once and
// the buyer lands on a clean URL either way.
func (s *Server) handlePaid(c *gin.Context) {
	sess := current(c)
	token := c.Query("token")
	paid, _ := strconv.Atoi(c.Query("paid"))

	if token != "" {
		if _, err := s.svc.ConfirmPayment(c.Request.Context(), sess, token, paid); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Str("order", token).Msg("return-channel payment not credited")
		}
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handlePaymentCancelled(c *gin.Context) {
	sess := current(c)
	if err := s.svc.CancelPayment(sess); err != nil {
		log.Debug().Err(err).Str("session", sess.ID).Msg("payment cancel ignored")
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func handleTemplate(c *gin.Context) {
	var buf bytes.Buffer
	if err := excel.Template(&buf); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+excel.TemplateFilename+`"`)
	c.Data(http.StatusOK, excel.ContentType, buf.Bytes())
}

func (s *Server) handleResult(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.svc.Export(&buf, current(c)); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+excel.DefaultResultFilename+`"`)
	c.Data(http.StatusOK, excel.ContentType, buf.Bytes())
}
