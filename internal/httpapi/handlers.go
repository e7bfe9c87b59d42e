package httpapi

import (
	"errors"
	"net/http"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"crosspost/internal/publish"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/health"
	"crosspost/internal/publisher"
	"crosspost/pkg/logx"
)

var (
	platformName  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,31}$`)
	validatorOnce sync.Once
)

// registerValidators adds the "platform" tag to gin's validator engine.
func registerValidators() {
	validatorOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
				return platformName.MatchString(fl.Field().String())
			})
		}
	})
}

func validPlatform(p string) bool {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		return v.Var(p, "required,platform") == nil
	}
	return platformName.MatchString(p)
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errorResponse { return errorResponse{Error: msg} }

type dispatchRequest struct {
	ChannelIDs []string `json:"channel_ids" binding:"omitempty,max=50,dive,required,max=128"`
}

// channelResultView adds the user-facing message to a channel result.
type channelResultView struct {
	dispatcher.ChannelResult
	Message string `json:"message"`
}

type dispatchResponse struct {
	dispatcher.Report
	Results []channelResultView `json:"results"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err.Error()))
			return
		}
	}

	rep, err := s.pub.Publish(c.Request.Context(), userID(c), c.Param("id"), req.ChannelIDs)
	if err != nil {
		status, msg := dispatchError(err)
		if status >= http.StatusInternalServerError {
			s.log.Warn("dispatch failed", logx.Err(err))
		}
		c.JSON(status, errorBody(msg))
		return
	}

	now := s.now()
	views := make([]channelResultView, 0, len(rep.Results))
	for _, r := range rep.Results {
		resetAt := now
		if r.Quota != nil {
			resetAt = r.Quota.ResetTime
		}
		msg := publish.UserMessage(r.Category, r.Reason, r.Platform, resetAt, now)
		if r.Skipped {
			msg = "Already published to " + r.Platform + "."
		}
		views = append(views, channelResultView{ChannelResult: r, Message: msg})
	}
	c.JSON(http.StatusOK, dispatchResponse{Report: rep, Results: views})
}

func dispatchError(err error) (int, string) {
	switch {
	case errors.Is(err, publish.ErrNotFound):
		return http.StatusNotFound, "post not found"
	case errors.Is(err, publisher.ErrAlreadyPublished):
		return http.StatusConflict, err.Error()
	case errors.Is(err, publisher.ErrInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, dispatcher.ErrNoChannels):
		return http.StatusUnprocessableEntity, "no connected channels for this post's platforms"
	default:
		return http.StatusInternalServerError, "dispatch failed"
	}
}

type duplicateRequest struct {
	Content   string   `json:"content" binding:"required,max=20000"`
	Platforms []string `json:"platforms" binding:"required,min=1,max=20,dive,platform"`
}

func (s *Server) handleDuplicateCheck(c *gin.Context) {
	var req duplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	res, err := s.pub.CheckDuplicate(c.Request.Context(), userID(c), req.Content, req.Platforms)
	if err != nil {
		s.log.Warn("duplicate check failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, errorBody("duplicate check failed"))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuota(c *gin.Context) {
	p := c.Param("platform")
	if !validPlatform(p) {
		c.JSON(http.StatusBadRequest, errorBody("invalid platform"))
		return
	}
	st, err := s.pub.QuotaStatus(c.Request.Context(), p)
	if err != nil {
		s.log.Warn("quota status failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, errorBody("quota status unavailable"))
		return
	}
	out := gin.H{"quota": st}
	if !st.Unlimited && st.Remaining == 0 {
		out["message"] = publish.UserMessage(publish.CategoryQuotaExceeded, publish.ReasonQuotaExceeded, st.Platform, st.ResetTime, s.now())
	}
	c.JSON(http.StatusOK, out)
}

type healthView struct {
	health.HealthStatus
	Message string `json:"message,omitempty"`
}

func (s *Server) handleChannelHealth(c *gin.Context) {
	rows, err := s.pub.ChannelHealth(c.Request.Context(), userID(c))
	if err != nil {
		s.log.Warn("channel health failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, errorBody("channel health unavailable"))
		return
	}
	out := make([]healthView, 0, len(rows))
	for _, r := range rows {
		v := healthView{HealthStatus: r}
		if cat, reason, rejected := health.Rejection(r.State); rejected {
			v.Message = publish.UserMessage(cat, reason, r.Platform, s.now(), s.now())
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) handleHealthz(c *gin.Context) {
	body := gin.H{"status": "ok", "time": s.now().UTC()}
	if s.health != nil {
		body["components"] = s.health()
	}
	c.JSON(http.StatusOK, body)
}
