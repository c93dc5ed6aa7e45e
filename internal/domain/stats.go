package domain

// GlobalStats — агрегаты по журналу аудита для операторской панели
type GlobalStats struct {
	TotalDecisions int64             `json:"total_decisions"`
	ByVerdict      map[Verdict]int64 `json:"by_verdict"`
	DenyRatio      float64           `json:"deny_ratio"`
	TopTools       map[string]int64  `json:"top_tools"`
	UniqueAgents   int               `json:"unique_agents"`
	HourlyActivity []ActivityPoint   `json:"hourly_activity"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
