package server

import (
	"crypto/rand"
	"fmt"

	"github.com/nyxcore/acpd/internal/acp"
)

// handleAuthenticate drives the server side of the four-stage SRP exchange
// (spec section 4.7) to completion: msg is stage 1 ("state": 1,
// "username"); this method sends stage 2, blocks for stage 3, and sends
// stage 4, installing session encryption on success.
func (c *connState) handleAuthenticate(msg acp.Message) error {
	stage1, err := acp.PListUnmarshalDict(msg.Body)
	if err != nil {
		return err
	}
	username, _ := stage1["username"].(string)

	verifier, err := c.server.Verifiers.Verifier(username)
	if err != nil {
		// Spec section 4.7: unknown accounts should not reveal their
		// absence, so a random verifier stands in and the exchange
		// proceeds to a guaranteed proof mismatch instead of an early
		// rejection.
		verifier, err = acp.GenerateVerifier(randomDecoyPassword())
		if err != nil {
			return err
		}
	}

	srp, err := acp.NewSRPServer(verifier)
	if err != nil {
		return err
	}
	c.srp = srp

	salt, generator, publicKeyB, modulus := srp.Params()
	stage2, err := acp.PListMarshal(map[string]any{
		"state":     uint64(2),
		"salt":      salt,
		"generator": generator,
		"publicKey": publicKeyB,
		"modulus":   modulus,
	})
	if err != nil {
		return err
	}
	if err := c.reply(acp.CommandAuthenticate, stage2, 0); err != nil {
		return err
	}

	stage3Msg, err := c.session.ReceiveMessage(idleReadTimeout)
	if err != nil {
		return err
	}
	if stage3Msg.Command != acp.CommandAuthenticate {
		return fmt.Errorf("acpd: expected AUTHENTICATE stage 3, got %s: %w", commandName(stage3Msg.Command), acp.ErrUnexpectedAuthStage)
	}
	stage3, err := acp.PListUnmarshalDict(stage3Msg.Body)
	if err != nil {
		return err
	}

	publicKeyA, _ := stage3["publicKey"].([]byte)
	proofM1, _ := stage3["response"].([]byte)
	clientIV, _ := stage3["iv"].([]byte)

	if err := srp.VerifyClientProof(publicKeyA, proofM1); err != nil {
		if c.server.Metrics != nil {
			c.server.Metrics.IncAuthFailures(c.remote)
		}
		return c.reply(acp.CommandAuthenticate, nil, acp.CodeIncorrectPassword)
	}

	serverIV := make([]byte, 16)
	if _, err := rand.Read(serverIV); err != nil {
		return fmt.Errorf("acpd: authenticate: %w", err)
	}

	stage4, err := acp.PListMarshal(map[string]any{
		"state":    uint64(4),
		"response": srp.ProofM2(),
		"iv":       serverIV,
	})
	if err != nil {
		return err
	}
	if err := c.reply(acp.CommandAuthenticate, stage4, 0); err != nil {
		return err
	}

	if err := c.session.EnableServerEncryption(srp.SharedKey(), clientIV, serverIV); err != nil {
		return err
	}
	c.authenticated = true
	return nil
}

// randomDecoyPassword returns a throwaway password used only to generate a
// verifier that guarantees a proof mismatch for unknown usernames.
func randomDecoyPassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return string(b)
}
