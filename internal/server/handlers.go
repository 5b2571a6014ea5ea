package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/internal/scheduler"
	"github.com/sevir/capataz/pkg/models"
)

type createTaskRequest struct {
	Prompt          string   `json:"prompt"`
	WorkDir         string   `json:"work_dir"`
	Engine          string   `json:"engine"`
	Model           string   `json:"model"`
	ResumeSessionID string   `json:"resume_session_id"`
	TimeoutSec      int      `json:"timeout_sec"`
	ExtraArgs       []string `json:"extra_args"`
}

func (s *Server) handleTaskCreate(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	engine := req.Engine
	if engine == "" {
		engine = s.defaultEngine
	}
	adapter, err := s.adapters(engine)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	id := uuid.New().String()
	cfg := models.TaskConfig{
		Prompt:          req.Prompt,
		WorkDir:         req.WorkDir,
		Model:           model,
		ResumeSessionID: req.ResumeSessionID,
		Timeout:         models.Duration(time.Duration(req.TimeoutSec) * time.Second),
		ExtraArgs:       req.ExtraArgs,
	}

	task, err := s.sched.StartTask(context.Background(), id, cfg, adapter, s.taskCallbacks())
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrCLIUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrSchedulerClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task":           task.ToSummary(),
		"queue_position": s.sched.GetQueuePosition(id),
	})
}

// taskCallbacks logs lifecycle events. Approval requests already sit in the
// broker by the time the callback fires; clients discover them by polling
// /api/requests.
func (s *Server) taskCallbacks() scheduler.Callbacks {
	return scheduler.Callbacks{
		OnStatusChange: func(taskID string, status models.TaskStatus) {
			s.logger.Info("task status", "task", taskID, "status", status)
		},
		OnPermissionRequest: func(req broker.Request) {
			s.logger.Info("approval requested",
				"task", req.TaskID, "request_id", req.ID, "kind", req.Kind)
		},
		OnError: func(taskID string, err error) {
			s.logger.Error("task failed", "task", taskID, "error", err)
		},
		OnAuthError: func(taskID string, detail string) {
			s.logger.Error("task hit an authentication failure", "task", taskID, "detail", detail)
		},
	}
}

func (s *Server) handleTasksList(c *gin.Context) {
	tasks, err := s.storage.ListTasks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, t.ToSummary())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleTaskGet(c *gin.Context) {
	task, err := s.sched.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.CancelTask(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleTaskInterrupt(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.InterruptTask(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

type respondRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTaskRespond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	id := c.Param("id")
	if err := s.sched.SendResponse(id, req.Text); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (s *Server) handleTaskDequeue(c *gin.Context) {
	id := c.Param("id")
	if !s.sched.CancelQueuedTask(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Server) handleQueue(c *gin.Context) {
	type queueItem struct {
		ID       string `json:"id"`
		Position int    `json:"position"`
	}

	var items []queueItem
	for _, id := range s.sched.GetActiveTaskIDs() {
		if pos := s.sched.GetQueuePosition(id); pos > 0 {
			items = append(items, queueItem{ID: id, Position: pos})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })

	c.JSON(http.StatusOK, gin.H{
		"length": s.sched.GetQueueLength(),
		"tasks":  items,
	})
}

func (s *Server) handleRequestsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": s.broker.Pending()})
}

type permissionResolveRequest struct {
	Allowed *bool `json:"allowed"`
}

func (s *Server) handlePermissionResolve(c *gin.Context) {
	var req permissionResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Allowed == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "allowed is required"})
		return
	}

	if !s.broker.ResolvePermission(c.Param("id"), *req.Allowed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending permission request with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

type questionResolveRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleQuestionResolve(c *gin.Context) {
	var req questionResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Answer) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer is required"})
		return
	}

	resolved := s.broker.ResolveQuestion(c.Param("id"), broker.QuestionResponse{
		Answered: true,
		Answer:   req.Answer,
	})
	if !resolved {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending question with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"active_tasks":     s.sched.GetActiveTaskCount(),
		"queue_length":     s.sched.GetQueueLength(),
		"pending_requests": s.broker.PendingCount(),
	})
}
