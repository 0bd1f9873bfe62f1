package marketplace

// TransactionStats 聚合交易状态的统计信息，常用于仪表盘或健康检查。
type TransactionStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	Volume          float64 `json:"volume"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}
