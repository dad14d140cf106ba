// Package handler exposes attendance posting, notifications and reports over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/notify"
	"rollcall/internal/stats"
	"rollcall/internal/validate"
)

type Handler struct {
	attendance *attendance.Service
	fanout     *notify.Fanout
	grace      int
	log        *logrus.Logger
	now        func() time.Time
}

// New creates a handler. grace is the default grace window in minutes when a
// posting does not carry its own.
func New(att *attendance.Service, fanout *notify.Fanout, grace int, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{attendance: att, fanout: fanout, grace: grace, log: log, now: time.Now}
}

// Mount registers the v1 routes on a group that already runs auth.Bearer.
func (h *Handler) Mount(v1 *gin.RouterGroup) {
	staff := v1.Group("", auth.RequireRole(auth.RoleTeacher, auth.RoleAdmin))
	{
		staff.POST("/attendance/postings", h.PostAttendance)
		staff.PATCH("/attendance/records", h.CorrectRecord)
		staff.GET("/attendance/records", h.ListRecords)
		staff.GET("/attendance/sessions", h.GetSession)
		staff.GET("/attendance/summary", h.Summary)
		staff.POST("/notifications", h.SendNotification)
		staff.POST("/grades/summary", h.GradeSummary)
	}

	v1.GET("/notifications/inbox", h.Inbox)
	v1.GET("/notifications/unread-count", h.UnreadCount)
	v1.POST("/notifications/:id/read", h.MarkRead)
	v1.DELETE("/notifications/:id", h.DeleteNotification)
}

// fail maps domain errors to status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "fields": ve.Fields})
	case errors.Is(err, attendance.ErrAlreadyPosted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bind decodes a JSON body and runs its validate tags.
func bind(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return validate.Fail("body", err.Error())
	}
	return validate.Struct(v)
}

func subject(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

func queryDate(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	d, err := attendance.ParseDate(v)
	if err != nil {
		return time.Time{}, validate.Fail(key, "must match layout "+attendance.DateLayout)
	}
	return d, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, validate.Fail(key, "must be a non-negative integer")
	}
	return n, nil
}

// ---------- Attendance ----------

type entryRequest struct {
	StudentID   string     `json:"student_id" validate:"required"`
	Status      string     `json:"status" validate:"required,oneof=present late absent"`
	ArrivalTime *time.Time `json:"arrival_time"`
}

type postingRequest struct {
	ClassID      string         `json:"class_id" validate:"required"`
	SubjectID    string         `json:"subject_id" validate:"required"`
	Date         string         `json:"date" validate:"required,datetime=2006-01-02"`
	ClassStart   string         `json:"class_start" validate:"required,datetime=15:04"`
	GraceMinutes *int           `json:"grace_minutes" validate:"omitempty,gte=0"`
	Entries      []entryRequest `json:"entries" validate:"required,min=1,dive"`
}

// PostAttendance classifies every entry through a draft and commits it.
// The recorder is the token subject.
func (h *Handler) PostAttendance(c *gin.Context) {
	var req postingRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	date, _ := attendance.ParseDate(req.Date)
	start, _ := attendance.ParseClassStart(req.ClassStart)
	grace := h.grace
	if req.GraceMinutes != nil {
		grace = *req.GraceMinutes
	}

	draft := attendance.NewDraft(req.ClassID, req.SubjectID, date, start, grace, h.now)
	for _, e := range req.Entries {
		if err := draft.SetStatus(e.StudentID, attendance.Status(e.Status), e.ArrivalTime); err != nil {
			h.fail(c, err)
			return
		}
	}

	res, err := draft.Post(c.Request.Context(), h.attendance, subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type correctionRequest struct {
	StudentID   string     `json:"student_id" validate:"required"`
	ClassID     string     `json:"class_id" validate:"required"`
	SubjectID   string     `json:"subject_id" validate:"required"`
	Date        string     `json:"date" validate:"required,datetime=2006-01-02"`
	Status      string     `json:"status" validate:"required,oneof=present late absent"`
	ArrivalTime *time.Time `json:"arrival_time"`
	LateMinutes *int       `json:"late_minutes" validate:"omitempty,gte=0"`
}

func (h *Handler) CorrectRecord(c *gin.Context) {
	var req correctionRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	date, _ := attendance.ParseDate(req.Date)
	rec, err := h.attendance.Correct(c.Request.Context(), attendance.CorrectionRequest{
		StudentID:   req.StudentID,
		ClassID:     req.ClassID,
		SubjectID:   req.SubjectID,
		Date:        date,
		Status:      attendance.Status(req.Status),
		ArrivalTime: req.ArrivalTime,
		LateMinutes: req.LateMinutes,
		CorrectedBy: subject(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) filter(c *gin.Context) (attendance.Filter, error) {
	f := attendance.Filter{
		ClassID:   c.Query("class_id"),
		SubjectID: c.Query("subject_id"),
		StudentID: c.Query("student_id"),
	}
	var err error
	if f.From, err = queryDate(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryDate(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) ListRecords(c *gin.Context) {
	f, err := h.filter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 100); err != nil {
		h.fail(c, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		h.fail(c, err)
		return
	}
	recs, err := h.attendance.Records(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handler) GetSession(c *gin.Context) {
	date, err := queryDate(c, "date")
	if err == nil && date.IsZero() {
		err = validate.Fail("date", "this field is required")
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.attendance.Session(c.Request.Context(), c.Query("class_id"), c.Query("subject_id"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Summary folds the matching records, optionally grouped by subject, class or student.
func (h *Handler) Summary(c *gin.Context) {
	f, err := h.filter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	recs, err := h.attendance.Records(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch by := c.Query("group_by"); by {
	case "":
		c.JSON(http.StatusOK, gin.H{"summary": stats.Summarize(recs)})
	case "subject":
		c.JSON(http.StatusOK, gin.H{"group_by": by, "groups": stats.BySubject(recs)})
	case "class":
		c.JSON(http.StatusOK, gin.H{"group_by": by, "groups": stats.ByClass(recs)})
	case "student":
		c.JSON(http.StatusOK, gin.H{"group_by": by, "groups": stats.ByStudent(recs)})
	default:
		h.fail(c, validate.Fail("group_by", "must be one of: subject class student"))
	}
}

// ---------- Reports ----------

type gradeRequest struct {
	Results []stats.QuizResult `json:"results"`
	// With evaluate set the response also carries per-student report cards
	// joined with attendance matching the filter fields below.
	Evaluate  bool   `json:"evaluate"`
	ClassID   string `json:"class_id"`
	SubjectID string `json:"subject_id"`
}

func (h *Handler) GradeSummary(c *gin.Context) {
	var req gradeRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	g, err := stats.Grade(req.Results)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !req.Evaluate {
		c.JSON(http.StatusOK, gin.H{"summary": g})
		return
	}

	recs, err := h.attendance.Records(c.Request.Context(), attendance.Filter{ClassID: req.ClassID, SubjectID: req.SubjectID})
	if err != nil {
		h.fail(c, err)
		return
	}
	evs, err := stats.Evaluate(recs, req.Results)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": g, "students": evs})
}

// ---------- Notifications ----------

type notificationRequest struct {
	Type       notify.Type       `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Entity     notify.EntityRef  `json:"entity"`
	Priority   notify.Priority   `json:"priority"`
	Data       map[string]string `json:"data"`
	Recipients []string          `json:"recipients"`
	Target     *notify.Target    `json:"target"`
}

// SendNotification records a notification for an explicit recipient list or
// a target and reports per-recipient delivery.
func (h *Handler) SendNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, validate.Fail("body", err.Error()))
		return
	}
	draft := notify.EventDraft{
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Entity:    req.Entity,
		Priority:  req.Priority,
		CreatedBy: subject(c),
		Data:      req.Data,
	}

	var (
		rep notify.Report
		err error
	)
	if req.Target != nil {
		rep, err = h.fanout.SendToTarget(c.Request.Context(), draft, *req.Target)
	} else {
		rep, err = h.fanout.Send(c.Request.Context(), draft, req.Recipients)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rep)
}

func (h *Handler) Inbox(c *gin.Context) {
	items, err := h.fanout.Inbox(c.Request.Context(), subject(c), c.Query("unread") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.fanout.UnreadCount(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.fanout.MarkRead(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	if err := h.fanout.Delete(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
