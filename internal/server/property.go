package server

import (
	"github.com/nyxcore/acpd/internal/acp"
)

// handleGetProperty answers a GET_PROPERTY request: for each requested
// name, look it up in the property store and echo back either its value
// or a per-property CodeNotAvailable error element (spec section 4.8,
// "GetProperties protocol").
func (c *connState) handleGetProperty(msg acp.Message) error {
	var out []byte
	for buf := msg.Body; len(buf) > 0; {
		p, consumed, err := acp.ParseElement(buf)
		if err != nil {
			return err
		}
		buf = buf[consumed:]
		if acp.IsSentinelElement(p) {
			break
		}

		if stored, ok := c.server.Store.Get(p.Name); ok {
			out = append(out, acp.ComposeElement(stored)...)
		} else {
			out = append(out, acp.ComposeElement(acp.Property{
				Name:  p.Name,
				IsErr: true,
				Error: acp.CodeNotAvailable,
			})...)
		}
	}
	out = append(out, acp.SentinelElement()...)

	return c.reply(acp.CommandGetProperty, out, 0)
}

// handleSetProperty answers a SET_PROPERTY request: each requested
// property is written to the store and echoed back with a positional
// response element, in request order (spec section 4.8, "SetProperties
// protocol"). A property whose kind the catalog rejects (when a catalog
// entry exists) is reported back as CodeInvalidKey instead of being
// stored; a successful set is reported with a 4-zero-byte value (spec
// section 4.9).
func (c *connState) handleSetProperty(msg acp.Message) error {
	var out []byte
	for buf := msg.Body; len(buf) > 0; {
		p, consumed, err := acp.ParseElement(buf)
		if err != nil {
			return err
		}
		buf = buf[consumed:]
		if acp.IsSentinelElement(p) {
			break
		}

		if kind, _, ok := c.server.Catalog.Lookup(p.Name); ok && kind != p.Kind && p.Kind != acp.KindUnknown {
			out = append(out, acp.ComposeElement(acp.Property{
				Name:  p.Name,
				IsErr: true,
				Error: acp.CodeInvalidKey,
			})...)
			continue
		}

		if err := c.server.Store.Set(p); err != nil {
			out = append(out, acp.ComposeElement(acp.Property{
				Name:  p.Name,
				IsErr: true,
				Error: acp.CodeNotAvailable,
			})...)
			continue
		}

		// A successful set still gets a positional response element (spec
		// sections 4.8/4.9): value is 4 zero bytes on success.
		out = append(out, acp.ComposeElement(acp.Property{
			Name: p.Name,
			Raw:  []byte{0, 0, 0, 0},
		})...)
	}
	out = append(out, acp.SentinelElement()...)

	return c.reply(acp.CommandSetProperty, out, 0)
}
