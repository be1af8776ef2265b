package api

import (
	"net/http"
	"time"

	"variantlab/app"
	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/errors"

	"github.com/gin-gonic/gin"
)

type pauseRequest struct {
	Reason string `json:"reason"`
}

type assignRequest struct {
	ParticipantID string         `json:"participant_id" binding:"required"`
	Context       core.StringMap `json:"context"`
}

type experimentTrackRequest struct {
	ParticipantID   string         `json:"participant_id" binding:"required"`
	VariantID       string         `json:"variant_id" binding:"required"`
	ActionTaken     string         `json:"action_taken" binding:"required"`
	EngagementType  string         `json:"engagement_type"`
	EngagementValue *float64       `json:"engagement_value"`
	Metadata        core.StringMap `json:"metadata"`
}

type experimentSummary struct {
	ExperimentID  core.ExperimentID `json:"experiment_id"`
	Name          string            `json:"name"`
	Status        experiment.Status `json:"status"`
	TargetPersona string            `json:"target_persona"`
	VariantCount  int               `json:"variant_count"`
	DurationDays  int               `json:"duration_days"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type resultsSummary struct {
	WinnerVariantID            *core.VariantID               `json:"winner_variant_id"`
	IsStatisticallySignificant bool                          `json:"is_statistically_significant"`
	PValue                     *float64                      `json:"p_value"`
	ImprovementPercentage      *float64                      `json:"improvement_percentage"`
	ConfidenceLevel            float64                       `json:"confidence_level"`
	SignificanceLevel          float64                       `json:"significance_level"`
	MinSampleSize              int                           `json:"min_sample_size"`
	TotalParticipants          uint64                        `json:"total_participants"`
	TotalImpressions           uint64                        `json:"total_impressions"`
	EarlyStopping              *experiment.EarlyStopDecision `json:"early_stopping,omitempty"`
	ComputedAt                 time.Time                     `json:"computed_at"`
}

func newResultsBody(result *experiment.Result) gin.H {
	return gin.H{
		"experiment_id": result.ExperimentID,
		"status":        result.Status,
		"results_summary": resultsSummary{
			WinnerVariantID:            result.WinnerVariantID,
			IsStatisticallySignificant: result.IsStatisticallySignificant,
			PValue:                     result.PValue,
			ImprovementPercentage:      result.ImprovementPercentage,
			ConfidenceLevel:            result.ConfidenceLevel,
			SignificanceLevel:          result.SignificanceLevel,
			MinSampleSize:              result.MinSampleSize,
			TotalParticipants:          result.TotalParticipants,
			TotalImpressions:           result.TotalImpressions,
			EarlyStopping:              result.EarlyStopping,
			ComputedAt:                 result.ComputedAt,
		},
		"variant_performance": result.Variants,
	}
}

func (s *Server) handleCreateExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var spec experiment.Spec
		if !s.bindJSON(c, &spec) {
			return
		}
		exp, err := s.experiments.Create(c.Request.Context(), spec)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, exp)
	}
}

func (s *Server) handleListExperiments() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := experiment.ListFilter{TargetPersona: c.Query("target_persona")}
		if raw := c.Query("status"); raw != "" {
			status, err := experiment.ParseStatus(raw)
			if err != nil {
				s.respondError(c, err)
				return
			}
			filter.Status = status
		}

		exps, err := s.experiments.List(c.Request.Context(), filter)
		if err != nil {
			s.respondError(c, err)
			return
		}
		out := make([]experimentSummary, 0, len(exps))
		for _, e := range exps {
			out = append(out, experimentSummary{
				ExperimentID:  e.ID,
				Name:          e.Name,
				Status:        e.Status,
				TargetPersona: e.TargetPersona,
				VariantCount:  len(e.VariantIDs),
				DurationDays:  e.DurationDays,
				CreatedAt:     e.CreatedAt,
				StartedAt:     e.StartedAt,
				CompletedAt:   e.CompletedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleActiveExperiments() gin.HandlerFunc {
	return func(c *gin.Context) {
		persona := c.Param("persona")
		ids, err := s.experiments.ActiveForPersona(c.Request.Context(), persona)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"persona_id":         persona,
			"active_experiments": ids,
			"count":              len(ids),
		})
	}
}

func (s *Server) handleGetExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := s.experiments.Get(c.Request.Context(), core.ExperimentID(c.Param("id")))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// respondTransitionError reports lifecycle failures as 400, unknown ids included
func (s *Server) respondTransitionError(c *gin.Context, err error) {
	if errors.IsCode(err, errors.CodeNotFound) {
		s.respondErrorStatus(c, http.StatusBadRequest, err)
		return
	}
	s.respondError(c, err)
}

func (s *Server) handleStartExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := s.experiments.Start(c.Request.Context(), core.ExperimentID(c.Param("id")))
		if err != nil {
			s.respondTransitionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "new_status": exp.Status})
	}
}

func (s *Server) handlePauseExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pauseRequest
		if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
			return
		}
		exp, err := s.experiments.Pause(c.Request.Context(), core.ExperimentID(c.Param("id")), req.Reason)
		if err != nil {
			s.respondTransitionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "new_status": exp.Status})
	}
}

func (s *Server) handleCompleteExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, result, err := s.experiments.Complete(c.Request.Context(), core.ExperimentID(c.Param("id")))
		if err != nil {
			s.respondTransitionError(c, err)
			return
		}
		body := gin.H{
			"success":    true,
			"new_status": exp.Status,
		}
		if result != nil {
			body["results"] = newResultsBody(result)
		}
		c.JSON(http.StatusOK, body)
	}
}

func (s *Server) handleAssign() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignRequest
		if !s.bindJSON(c, &req) {
			return
		}
		expID := core.ExperimentID(c.Param("id"))
		variantID, err := s.experiments.Assign(c.Request.Context(), expID, core.ParticipantID(req.ParticipantID))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"experiment_id":       expID,
			"participant_id":      req.ParticipantID,
			"assigned_variant_id": variantID,
		})
	}
}

func (s *Server) handleTrackExperiment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req experimentTrackRequest
		if !s.bindJSON(c, &req) {
			return
		}
		event, err := s.experiments.Track(c.Request.Context(), core.ExperimentID(c.Param("id")), app.Feedback{
			VariantID:       core.VariantID(req.VariantID),
			ParticipantID:   core.ParticipantID(req.ParticipantID),
			Action:          req.ActionTaken,
			EngagementType:  req.EngagementType,
			EngagementValue: req.EngagementValue,
			Metadata:        req.Metadata,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "event_id": event.ID})
	}
}

func (s *Server) handleResults() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, result, err := s.experiments.Results(c.Request.Context(), core.ExperimentID(c.Param("id")))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newResultsBody(result))
	}
}
