package server

import (
	"fmt"
	"strconv"

	"github.com/nyxcore/acpd/internal/acp"
	"github.com/nyxcore/acpd/internal/firmware"
)

// FirmwareSink receives a decrypted, extracted firmware image for a
// FLASH_PRIMARY request (spec section 4.8, "Flash primary"). Actually
// writing it to a bootable partition is hardware-specific and out of
// scope; a production Server supplies its own FirmwareSink.
type FirmwareSink interface {
	Flash(image []byte) error
}

// handleFlashPrimary runs the firmware codec's decrypt-then-inflate
// pipeline over the request body and, on success, hands the result to the
// configured FirmwareSink (spec section 4.8, "Flash primary"; section
// 4.10's codec). The response body is empty on success; a codec failure
// is reported as CodeNotAvailable, while a sink failure is returned as an
// error, which ends the connection without a reply.
func (c *connState) handleFlashPrimary(msg acp.Message) error {
	model, modelErr := firmware.Model(msg.Body)
	if c.server.Metrics != nil && modelErr == nil {
		c.server.Metrics.IncFirmwareFlashes(strconv.FormatUint(uint64(model), 10))
	}

	image, err := firmware.DecryptAndExtract(msg.Body)
	if err != nil {
		return c.reply(acp.CommandFlashPrimary, nil, acp.CodeNotAvailable)
	}

	if c.server.Firmware != nil {
		if err := c.server.Firmware.Flash(image); err != nil {
			return fmt.Errorf("acpd: flash primary: %w", err)
		}
	}

	return c.reply(acp.CommandFlashPrimary, nil, 0)
}
