package httpapi

import (
	"time"

	"github.com/aureuma/botctl/core/lifecycle"
)

// botCreateRequest is POST /bots's body. PlanID defaults to 1 when
// omitted, per spec §6's supplemented plan_id=1 default.
type botCreateRequest struct {
	Name     string `json:"name"`
	Runtime  string `json:"runtime"`
	StartCmd string `json:"start_cmd"`
	PlanID   *int64 `json:"plan_id"`
}

func (r botCreateRequest) planID() int64 {
	if r.PlanID != nil {
		return *r.PlanID
	}
	return 1
}

// botView is the JSON projection of lifecycle.BotView.
type botView struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Runtime    string    `json:"runtime"`
	Status     string    `json:"status"`
	StartCmd   string    `json:"start_cmd"`
	SourceType string    `json:"source_type"`
	CreatedAt  time.Time `json:"created_at"`
}

func toBotView(v lifecycle.BotView) botView {
	return botView{
		ID:         v.ID,
		Name:       v.Name,
		Runtime:    v.Runtime,
		Status:     string(v.Status),
		StartCmd:   v.StartCmd,
		SourceType: v.SourceType,
		CreatedAt:  v.CreatedAt,
	}
}

type botListResponse struct {
	Bots  []botView `json:"bots"`
	Total int       `json:"total"`
}
