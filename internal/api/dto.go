package api

import (
	"math"

	"meal-mate/backend/internal/dosage"
	"meal-mate/backend/internal/pipeline"
)

// ClassifyResponse is the body of a successful POST /api/classify.
type ClassifyResponse struct {
	FoodName       string  `json:"food_name"`
	CarbEstimation float64 `json:"carb_estimation"`
	Insulin        float64 `json:"insulin"`
}

// ErrorResponse is the body of a failed request. Only Error is always set.
type ErrorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Label          string `json:"label,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	UpstreamBody   string `json:"upstream_body,omitempty"`
}

// ConfigResponse describes the running configuration.
type ConfigResponse struct {
	Policy        dosage.Policy `json:"policy"`
	Foods         int           `json:"foods"`
	TableSource   string        `json:"table_source"`
	Transports    []string      `json:"transports"`
	MaxImageBytes int64         `json:"max_image_bytes"`
}

func newClassifyResponse(r pipeline.Result) ClassifyResponse {
	return ClassifyResponse{
		FoodName:       r.FoodName,
		CarbEstimation: r.CarbEstimation,
		Insulin:        round2(r.Insulin),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
