package exchange

import "time"

// 健康状态取值。
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Health 推送流与 REST 的健康摘要。
type Health struct {
	WS                   string   `json:"ws"`
	REST                 string   `json:"rest"`
	Overall              string   `json:"overall"`
	State                string   `json:"state"`
	UserEventAgeSec      *float64 `json:"userEventAgeSec"`
	KeepaliveFailCount   int      `json:"keepaliveFailCount"`
	SubscribeFailCount   int      `json:"subscribeFailCount"`
	Rebuilds             int      `json:"rebuilds"`
	CooldownRemainingSec float64  `json:"cooldownRemainingSec"`
}

// Health 计算健康摘要：overall 取 ws 与 rest 中较差者。
func (b *BinanceUserStream) Health() Health {
	now := b.now()
	b.mu.Lock()
	state := b.state
	lastEvent := b.lastEvent
	activity := b.lastActivity()
	h := Health{
		State:              state.String(),
		KeepaliveFailCount: b.keepaliveFails,
		SubscribeFailCount: b.subscribeFails,
		Rebuilds:           b.rebuilds,
	}
	b.mu.Unlock()

	switch state {
	case StateConnected:
		h.WS = HealthOK
		if !activity.IsZero() && now.Sub(activity) > b.cfg.StaleAfter {
			h.WS = HealthDegraded
		}
	case StateStale, StateRebuilding:
		h.WS = HealthDegraded
	default:
		h.WS = HealthDown
	}
	if !lastEvent.IsZero() {
		age := now.Sub(lastEvent).Seconds()
		h.UserEventAgeSec = &age
	}

	var cooldown time.Duration
	if b.cooldown != nil {
		cooldown = b.cooldown.Remaining()
	}
	h.CooldownRemainingSec = cooldown.Seconds()
	h.REST = HealthOK
	if cooldown > 0 || (b.account != nil && b.account.Degraded()) {
		h.REST = HealthDegraded
	}

	switch {
	case h.WS == HealthDown:
		h.Overall = HealthDown
	case h.WS == HealthDegraded || h.REST == HealthDegraded:
		h.Overall = HealthDegraded
	default:
		h.Overall = HealthOK
	}
	return h
}
