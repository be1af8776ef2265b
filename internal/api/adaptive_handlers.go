package api

import (
	"net/http"
	"strconv"

	"variantlab/app"
	"variantlab/domain/core"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"

	"github.com/gin-gonic/gin"
)

type generateRequest struct {
	Dimensions       map[string][]string `json:"dimensions" binding:"required"`
	MaxVariants      *int                `json:"max_variants"`
	IncludeBootstrap *bool               `json:"include_bootstrap"`
}

type optimizeRequest struct {
	PersonaID   string         `json:"persona_id"`
	ContentType string         `json:"content_type"`
	InputText   string         `json:"input_text"`
	Context     core.StringMap `json:"context"`
}

type trackRequest struct {
	VariantID       string         `json:"variant_id" binding:"required"`
	PersonaID       string         `json:"persona_id"`
	ActionType      string         `json:"action_type" binding:"required"`
	EngagementType  string         `json:"engagement_type"`
	EngagementValue *float64       `json:"engagement_value"`
	Metadata        core.StringMap `json:"metadata"`
}

// performanceView flattens counters with their derived posterior values
type performanceView struct {
	Impressions        uint64  `json:"impressions"`
	Successes          uint64  `json:"successes"`
	EngagementValueSum float64 `json:"engagement_value_sum"`
	SuccessRate        float64 `json:"success_rate"`
	Alpha              float64 `json:"alpha"`
	Beta               float64 `json:"beta"`
	ExpectedValue      float64 `json:"expected_value"`
}

type variantView struct {
	VariantID   core.VariantID  `json:"variant_id"`
	Dimensions  core.StringMap  `json:"dimensions"`
	Scope       string          `json:"scope"`
	Performance performanceView `json:"performance"`
}

func newVariantView(rec variant.Record) variantView {
	p := rec.Performance
	return variantView{
		VariantID:  rec.ID,
		Dimensions: rec.Dimensions,
		Scope:      rec.Scope.Key(),
		Performance: performanceView{
			Impressions:        p.Impressions,
			Successes:          p.Successes,
			EngagementValueSum: p.EngagementValueSum,
			SuccessRate:        p.SuccessRate(),
			Alpha:              p.Alpha(),
			Beta:               p.Beta(),
			ExpectedValue:      p.ExpectedValue(),
		},
	}
}

func (s *Server) handleInitialize() gin.HandlerFunc {
	return func(c *gin.Context) {
		total, err := s.optimizer.Initialize(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"total_variants": total,
		})
	}
}

func (s *Server) handleGenerate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if !s.bindJSON(c, &req) {
			return
		}
		maxVariants := s.options.GenerateMaxVariants
		if req.MaxVariants != nil {
			maxVariants = *req.MaxVariants
		}
		includeBootstrap := true
		if req.IncludeBootstrap != nil {
			includeBootstrap = *req.IncludeBootstrap
		}

		result, total, err := s.optimizer.Generate(c.Request.Context(), variant.Space(req.Dimensions), maxVariants, includeBootstrap)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"variants_created": result.Created,
			"variant_ids":      result.VariantIDs,
			"total_variants":   total,
		})
	}
}

func (s *Server) handleOptimize() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req optimizeRequest
		if !s.bindJSON(c, &req) {
			return
		}
		sel, err := s.optimizer.Optimize(c.Request.Context(), app.OptimizeRequest{
			PersonaID:   req.PersonaID,
			ContentType: req.ContentType,
			InputText:   req.InputText,
			Context:     req.Context,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sel)
	}
}

func (s *Server) handleTrack() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trackRequest
		if !s.bindJSON(c, &req) {
			return
		}
		action, err := tracking.ParseAction(req.ActionType)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if action == tracking.ActionConversion {
			s.respondError(c, errors.ValidationError("action_type must be impression or engagement; conversions are tracked per experiment"))
			return
		}

		_, err = s.optimizer.Track(c.Request.Context(), app.Feedback{
			VariantID:       core.VariantID(req.VariantID),
			PersonaID:       req.PersonaID,
			Action:          string(action),
			EngagementType:  req.EngagementType,
			EngagementValue: req.EngagementValue,
			Metadata:        req.Metadata,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"variant_id": req.VariantID,
		})
	}
}

func (s *Server) handleInsights() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				s.respondError(c, errors.ValidationErrorf("limit must be a non-negative integer, got %q", raw))
				return
			}
			limit = n
		}
		insights, err := s.optimizer.Insights(c.Request.Context(), limit)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, insights)
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.optimizer.Health(c.Request.Context()))
	}
}

func (s *Server) handleListVariants() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.optimizer.ListVariants(c.Request.Context(), variant.Filter{
			Persona:     c.Query("persona"),
			ContentType: c.Query("content_type"),
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		views := make([]variantView, 0, len(records))
		for _, rec := range records {
			views = append(views, newVariantView(rec))
		}
		c.JSON(http.StatusOK, gin.H{"variants": views})
	}
}

func (s *Server) handleVariantStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.optimizer.VariantStats(c.Request.Context(), core.VariantID(c.Param("id")))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
