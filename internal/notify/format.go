package notify

import (
	"fmt"
	"strings"

	"github.com/cryptonita/exitbot/internal/domain"
)

// FormatEvent renders a position event as an operator-facing title and
// message body.
func FormatEvent(evt domain.PositionEvent) (title, message string) {
	switch evt.Type {
	case domain.EventOpened:
		title = fmt.Sprintf("Opened %s", evt.Ticker)
	case domain.EventTPHit:
		title = fmt.Sprintf("Take profit hit on %s", evt.Ticker)
	case domain.EventPartialExit:
		title = fmt.Sprintf("Partial exit on %s", evt.Ticker)
	case domain.EventClosed:
		title = fmt.Sprintf("Closed %s", evt.Ticker)
	case domain.EventFrozen:
		title = fmt.Sprintf("FROZEN %s, manual action required", evt.Ticker)
	default:
		title = fmt.Sprintf("%s %s", evt.Type, evt.Ticker)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "position %s\n", evt.PositionID)
	for _, k := range detailOrder {
		v, ok := evt.Detail[k]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(v))
	}
	for k, v := range evt.Detail {
		if knownDetail[k] {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(v))
	}
	fmt.Fprintf(&b, "at: %s", evt.At.Format("2006-01-02 15:04:05 UTC"))
	return title, b.String()
}

// detailOrder pins the common fields to a stable position in the message.
var detailOrder = []string{
	"reason", "entry_price", "fill_price", "fill_quantity",
	"quantity_remaining", "realized_pnl", "sl_price", "stop_price",
}

var knownDetail = func() map[string]bool {
	m := make(map[string]bool, len(detailOrder))
	for _, k := range detailOrder {
		m[k] = true
	}
	return m
}()

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.6g", x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
