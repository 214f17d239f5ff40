package notification

import (
	"breakout-engine/internal/events"
)

// Observe forwards lifecycle events from the bus to the manager so
// operators hear about locked ranges and entries without the engine
// knowing the notification providers. Incidents and trade closes are
// pushed by the coordinator directly; everything else rides the bus.
func Observe(bus *events.Bus, m *Manager) {
	bus.Subscribe(events.EventRangeLocked, func(ev events.Event) {
		contract, _ := ev.Data["contract"].(string)
		high, _ := ev.Data["range_high"].(float64)
		low, _ := ev.Data["range_low"].(float64)
		long, _ := ev.Data["breakout_long"].(float64)
		short, _ := ev.Data["breakout_short"].(float64)
		_ = m.SendRangeLocked(ev.StreamID, contract, high, low, long, short)
	})
	bus.Subscribe(events.EventFillApplied, func(ev events.Event) {
		if kind, _ := ev.Data["kind"].(string); kind != "ENTRY" {
			return
		}
		contract, _ := ev.Data["contract"].(string)
		direction, _ := ev.Data["direction"].(string)
		price, _ := ev.Data["avg_price"].(float64)
		qty, _ := ev.Data["delta"].(int)
		_ = m.SendTradeOpen(ev.StreamID, contract, direction, price, qty)
	})
}
