package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

type handlers struct {
	sched *scheduler.Scheduler
	log   logx.Logger
}

func (h *handlers) mount(g *gin.RouterGroup) {
	g.GET("/snapshot", h.snapshot)
	g.POST("/scheduler/standby", h.standby)
	g.POST("/scheduler/resume", h.resume)

	g.GET("/triggers", h.listTriggers)
	g.GET("/triggers/:group/:name", h.getTrigger)
	g.DELETE("/triggers/:group/:name", h.unschedule)
	g.POST("/triggers/:group/:name/pause", h.pauseTrigger)
	g.POST("/triggers/:group/:name/resume", h.resumeTrigger)
	g.POST("/triggers/:group/:name/reset", h.resetTrigger)

	g.POST("/groups/:group/pause", h.pauseGroup)
	g.POST("/groups/:group/resume", h.resumeGroup)

	g.GET("/works", h.listWorks)
	g.GET("/works/:group/:name", h.getWork)
	g.DELETE("/works/:group/:name", h.removeWork)
	g.POST("/works/:group/:name/run", h.runNow)
}

// TriggerView is the JSON shape of a trigger.
type TriggerView struct {
	Key          string            `json:"key"`
	Work         string            `json:"work"`
	Description  string            `json:"description,omitempty"`
	Schedule     string            `json:"schedule"`
	State        string            `json:"state"`
	Priority     int               `json:"priority"`
	Misfire      string            `json:"misfire"`
	Calendar     string            `json:"calendar,omitempty"`
	StartAt      time.Time         `json:"start_at"`
	EndAt        *time.Time        `json:"end_at,omitempty"`
	NextFireAt   *time.Time        `json:"next_fire_at,omitempty"`
	PrevFireAt   *time.Time        `json:"prev_fire_at,omitempty"`
	TimesFired   int               `json:"times_fired"`
	PausePending bool              `json:"pause_pending,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

func triggerView(t domain.Trigger) TriggerView {
	v := TriggerView{
		Key:          t.Key.String(),
		Work:         t.WorkKey.String(),
		Description:  t.Description,
		State:        t.State.String(),
		Priority:     t.Priority,
		Misfire:      t.Misfire.String(),
		Calendar:     t.Calendar,
		StartAt:      t.StartAt,
		EndAt:        t.EndAt,
		NextFireAt:   t.NextFireAt,
		PrevFireAt:   t.PrevFireAt,
		TimesFired:   t.TimesFired,
		PausePending: t.PausePending,
		Data:         t.Data,
	}
	if t.Recurrence != nil {
		v.Schedule = t.Recurrence.String()
	}
	return v
}

// WorkView is the JSON shape of a work item.
type WorkView struct {
	Key                string            `json:"key"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Durable            bool              `json:"durable"`
	DisallowConcurrent bool              `json:"disallow_concurrent"`
	Data               map[string]string `json:"data,omitempty"`
}

func workView(w domain.WorkItem) WorkView {
	return WorkView{
		Key:                w.Key.String(),
		Kind:               w.Kind,
		Description:        w.Description,
		Durable:            w.Durable,
		DisallowConcurrent: w.DisallowConcurrent,
		Data:               w.Data,
	}
}

func (h *handlers) healthz(c *gin.Context) {
	st := h.sched.State()
	code := http.StatusOK
	if st == scheduler.StateShutdown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": st.String()})
}

func (h *handlers) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.Snapshot())
}

func (h *handlers) standby(c *gin.Context) {
	if err := h.sched.Standby(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.sched.State().String()})
}

func (h *handlers) resume(c *gin.Context) {
	if st := h.sched.State(); st != scheduler.StateStandby && st != scheduler.StateStarted {
		c.JSON(http.StatusConflict, gin.H{"error": "scheduler is " + st.String()})
		return
	}
	if err := h.sched.Start(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.sched.State().String()})
}

func (h *handlers) listTriggers(c *gin.Context) {
	ts, err := h.sched.Triggers(c.Request.Context(), c.Query("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]TriggerView, 0, len(ts))
	for _, t := range ts {
		out = append(out, triggerView(t))
	}
	c.JSON(http.StatusOK, gin.H{"triggers": out})
}

func (h *handlers) getTrigger(c *gin.Context) {
	t, err := h.sched.Trigger(c.Request.Context(), pathKey(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, triggerView(t))
}

func (h *handlers) unschedule(c *gin.Context) {
	if err := h.sched.Unschedule(c.Request.Context(), pathKey(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) pauseTrigger(c *gin.Context) {
	h.keyOp(c, h.sched.PauseTrigger)
}

func (h *handlers) resumeTrigger(c *gin.Context) {
	h.keyOp(c, h.sched.ResumeTrigger)
}

func (h *handlers) resetTrigger(c *gin.Context) {
	h.keyOp(c, h.sched.ResetTriggerFromError)
}

func (h *handlers) keyOp(c *gin.Context, op func(ctx context.Context, key domain.Key) error) {
	key := pathKey(c)
	if err := op(c.Request.Context(), key); err != nil {
		h.fail(c, err)
		return
	}
	t, err := h.sched.Trigger(c.Request.Context(), key)
	if err != nil {
		// The trigger may complete and disappear between the two calls.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, triggerView(t))
}

func (h *handlers) pauseGroup(c *gin.Context) {
	n, err := h.sched.PauseGroup(c.Request.Context(), c.Param("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handlers) resumeGroup(c *gin.Context) {
	n, err := h.sched.ResumeGroup(c.Request.Context(), c.Param("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handlers) listWorks(c *gin.Context) {
	ws, err := h.sched.WorkItems(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]WorkView, 0, len(ws))
	for _, w := range ws {
		out = append(out, workView(w))
	}
	c.JSON(http.StatusOK, gin.H{"works": out})
}

func (h *handlers) getWork(c *gin.Context) {
	w, err := h.sched.WorkItem(c.Request.Context(), pathKey(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, workView(w))
}

func (h *handlers) removeWork(c *gin.Context) {
	if err := h.sched.RemoveWorkItem(c.Request.Context(), pathKey(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type runRequest struct {
	Data map[string]string `json:"data"`
}

func (h *handlers) runNow(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}
	t, err := h.sched.TriggerNow(c.Request.Context(), pathKey(c), domain.DataMap(req.Data))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("work triggered manually", logx.String("work", t.WorkKey.String()), logx.String("trigger", t.Key.String()))
	c.JSON(http.StatusAccepted, triggerView(t))
}

func pathKey(c *gin.Context) domain.Key {
	return domain.NewKey(c.Param("name"), c.Param("group"))
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Warn("admin request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case scheduler.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrShutdown), errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidKey), errors.Is(err, scheduler.ErrUnknownWorkKind):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
