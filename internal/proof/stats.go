package proof

// Stats 聚合了证明状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total             int   `json:"total"`
	Processing        int   `json:"processing"`
	Verified          int   `json:"verified"`
	PartiallyVerified int   `json:"partiallyVerified"`
	Failed            int   `json:"failed"`
	Propagated        int   `json:"propagated"`
	PropagationFailed int   `json:"propagationFailed"`
	Revoked           int   `json:"revoked"`
	OldestUpdatedAt   int64 `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt   int64 `json:"newestUpdatedAt,omitempty"`
}
