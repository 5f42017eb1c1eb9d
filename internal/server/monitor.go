package server

import (
	"github.com/nyxcore/acpd/internal/acp"
)

// MonitorSource feeds unsolicited monitor events to subscribed sessions
// (spec section 4.8, "Monitor protocol"). unsubscribe must be safe to call
// exactly once and must not block.
type MonitorSource interface {
	Subscribe(filters map[string]any) (events <-chan any, unsubscribe func())
}

// handleMonitor acknowledges a MONITOR request and, if a MonitorSource is
// configured, blocks forwarding events to the peer until the event channel
// closes or the session ends (spec section 4.8, "Monitor protocol"). With
// no MonitorSource it returns right after the acknowledgement, and the
// dispatch loop in server.go goes on reading requests; it also resumes
// if the event channel closes while the session is still open.
func (c *connState) handleMonitor(msg acp.Message) error {
	if len(msg.Body) < 4 {
		return acp.ErrShortElement
	}
	req, err := acp.PListUnmarshalDict(msg.Body[4:])
	if err != nil {
		return err
	}
	filters, _ := req["filters"].(map[string]any)

	if err := c.reply(acp.CommandMonitor, nil, 0); err != nil {
		return err
	}

	if c.server.Events == nil {
		return nil
	}

	events, unsubscribe := c.server.Events.Subscribe(filters)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.session.SendMonitorFrame(ev); err != nil {
				return err
			}
		case <-c.session.Done():
			return nil
		}
	}
}
