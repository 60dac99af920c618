package model

import "time"

// PublicReport 公共信息流中的失物报告，不包含私密校验信息
type PublicReport struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Location     string        `json:"location"`
	Bounty       int64         `json:"bounty"`
	Image        string        `json:"image,omitempty"`
	Status       string        `json:"status"`
	Verified     bool          `json:"verified"`
	ReporterName string        `json:"reporter_name"`
	Claims       []PublicClaim `json:"claims"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PublicClaim 公共信息流中的拾取申请，只保留编号、拾取人昵称、状态和时间
type PublicClaim struct {
	ID         string    `json:"id"`
	FinderName string    `json:"finder_name"`
	Status     string    `json:"status"`
	Date       time.Time `json:"date"`
}

// ToPublic 投影为公共视图
func (r *Report) ToPublic() PublicReport {
	claims := make([]PublicClaim, 0, len(r.Claims))
	for _, c := range r.Claims {
		claims = append(claims, PublicClaim{
			ID:         c.ClaimNo,
			FinderName: c.FinderName,
			Status:     c.Status,
			Date:       c.CreatedAt,
		})
	}
	return PublicReport{
		ID:           r.ReportNo,
		Title:        r.Title,
		Description:  r.Description,
		Location:     r.Location,
		Bounty:       r.Bounty,
		Image:        r.Image,
		Status:       r.Status,
		Verified:     r.Verified,
		ReporterName: r.ReporterName,
		Claims:       claims,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
