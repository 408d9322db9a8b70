package spec

type StatusRes struct {
	Entries        int    `json:"entries"`
	Enabled        int    `json:"enabled"`
	IPv4           int    `json:"ipv4"`
	IPv6           int    `json:"ipv6"`
	DsqCount       uint64 `json:"dsq_count"`
	SentinelActive bool   `json:"sentinel_active"`
	Warning        string `json:"warning"`
}

type EntryView struct {
	Outpoint      string `json:"outpoint"`
	Addr          string `json:"address"`
	State         string `json:"state"`
	Protocol      int    `json:"protocol"`
	SigTime       int64  `json:"sigtime"`
	LastPingTime  int64  `json:"last_ping"`
	LastPaidBlock int    `json:"last_paid_block"`
	PoSeScore     int    `json:"pose_score"`
}

type RankView struct {
	Rank  int       `json:"rank"`
	Entry EntryView `json:"entry"`
}

type PayeeRes struct {
	Considered int        `json:"considered"`
	Entry      *EntryView `json:"entry"`
}
