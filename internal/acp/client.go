package acp

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// Client facade (spec section 4.8): high-level ACP operations, each
// wrapped in a Session.Queue job so that at most one exchange is ever in
// flight on the underlying connection.

// Client is a connected ACP peer. The zero value is not usable; build one
// with NewClient.
type Client struct {
	session  *Session
	password string
	timeout  time.Duration
}

// NewClient constructs a Client that will dial host:port and authenticate
// with password once Connect is called.
func NewClient(host, port, password string) *Client {
	return &Client{
		session:  NewSession(host, port),
		password: password,
		timeout:  DefaultTimeout,
	}
}

// Connect dials the session (spec section 4.8, "connect").
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx, c.timeout)
}

// Disconnect closes the underlying session (spec section 4.8,
// "disconnect").
func (c *Client) Disconnect() error {
	return c.session.Close()
}

// Authenticate drives the four-stage SRP exchange described in spec
// section 4.7 and, on success, installs session encryption.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.session.Queue(ctx, func(ctx context.Context) error {
		srp, err := NewSRPClient(c.password)
		if err != nil {
			return err
		}

		stage1, err := PListMarshal(map[string]any{
			"state":    uint64(1),
			"username": srpUsername,
		})
		if err != nil {
			return err
		}
		if err := c.session.Send(composeAuthCommand(0, stage1)); err != nil {
			return err
		}

		reply, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}
		params, err := PListUnmarshalDict(reply.Body)
		if err != nil {
			return err
		}

		salt, _ := params["salt"].([]byte)
		generator, _ := params["generator"].([]byte)
		publicKeyB, _ := params["publicKey"].([]byte)
		modulus, _ := params["modulus"].([]byte)
		if err := srp.ReceiveParams(salt, generator, publicKeyB, modulus); err != nil {
			return err
		}

		clientIV := make([]byte, 16)
		if _, err := rand.Read(clientIV); err != nil {
			return fmt.Errorf("acp: authenticate: %w", err)
		}

		stage3, err := PListMarshal(map[string]any{
			"state":     uint64(3),
			"publicKey": srp.PublicKey(),
			"response":  srp.ProofM1(),
			"iv":        clientIV,
		})
		if err != nil {
			return err
		}
		if err := c.session.Send(composeAuthCommand(0, stage3)); err != nil {
			return err
		}

		reply, err = c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}
		if reply.ErrorCode == CodeIncorrectPassword {
			return ErrIncorrectPassword
		}

		final, err := PListUnmarshalDict(reply.Body)
		if err != nil {
			return err
		}
		m2, _ := final["response"].([]byte)
		serverIV, _ := final["iv"].([]byte)
		if err := srp.VerifyServerProof(m2); err != nil {
			return err
		}

		return c.session.EnableEncryption(srp.SharedKey(), clientIV, serverIV)
	})
}

// GetProperty fetches a single property by name (spec section 4.8,
// "getProperty(name)").
func (c *Client) GetProperty(ctx context.Context, name string) (Property, error) {
	props, err := c.GetProperties(ctx, []string{name}, false)
	if err != nil {
		return Property{}, err
	}
	if len(props) == 0 {
		return Property{}, ErrUnknownProperty
	}
	return props[0], nil
}

// GetProperties fetches one or more properties (spec section 4.8,
// "GetProperties protocol"). When includeErrors is false, the first
// per-property error surfaces as a PropertyServerError but the stream is
// still drained to the sentinel so framing stays aligned.
func (c *Client) GetProperties(ctx context.Context, names []string, includeErrors bool) ([]Property, error) {
	var result []Property
	err := c.session.Queue(ctx, func(ctx context.Context) error {
		var body []byte
		for _, name := range names {
			nameBytes, err := PropertyName(name)
			if err != nil {
				return err
			}
			body = append(body, composeRawElement(0, Property{Name: nameBytes})...)
		}
		body = append(body, sentinelElement[:]...)

		if err := c.session.Send(composeGetPropCommand(c.password, 0, body)); err != nil {
			return err
		}

		resp, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}

		var firstErr error
		for buf := resp.Body; len(buf) > 0; {
			p, _, consumed, err := parseRawElement(buf)
			if err != nil {
				return err
			}
			buf = buf[consumed:]
			if p.isSentinel() {
				break
			}
			if p.IsErr && !includeErrors && firstErr == nil {
				firstErr = &PropertyServerError{Name: string(p.Name[:]), Code: p.Error}
			}
			result = append(result, p)
		}
		return firstErr
	})
	return result, err
}

// SetProperties pushes one or more typed property values (spec section
// 4.8, "SetProperties protocol").
func (c *Client) SetProperties(ctx context.Context, props []Property) error {
	return c.session.Queue(ctx, func(ctx context.Context) error {
		var body []byte
		for _, p := range props {
			body = append(body, composeRawElement(0, p)...)
		}
		body = append(body, sentinelElement[:]...)

		if err := c.session.Send(composeSetPropCommand(c.password, 0, body)); err != nil {
			return err
		}

		resp, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}

		for buf := resp.Body; len(buf) > 0; {
			p, _, consumed, err := parseRawElement(buf)
			if err != nil {
				return err
			}
			buf = buf[consumed:]
			if p.isSentinel() {
				break
			}
			if p.IsErr {
				return &PropertyServerError{Name: string(p.Name[:]), Code: p.Error}
			}
		}
		return nil
	})
}

// Monitor sends a MONITOR request and, on acknowledgement, installs h as
// the session's unsolicited event handler. No further request/response
// exchange may be issued on this session afterwards (spec section 4.8,
// "Monitor protocol").
func (c *Client) Monitor(ctx context.Context, filters map[string]any, h MonitorHandler) error {
	return c.session.Queue(ctx, func(ctx context.Context) error {
		payload, err := PListMarshal(map[string]any{"filters": filters})
		if err != nil {
			return err
		}
		body := append(make([]byte, 4), payload...)

		if err := c.session.Send(composeMonitorCommand(c.password, 0, body)); err != nil {
			return err
		}
		if _, err := c.session.ReceiveMessage(c.timeout); err != nil {
			return err
		}

		return c.session.SetMonitorHandler(h)
	})
}

// RPC invokes a server-side function (spec section 4.8, "RPC protocol").
func (c *Client) RPC(ctx context.Context, function string, inputs map[string]any) (map[string]any, error) {
	var outputs map[string]any
	err := c.session.Queue(ctx, func(ctx context.Context) error {
		payload, err := PListMarshal(map[string]any{"function": function, "inputs": inputs})
		if err != nil {
			return err
		}
		if err := c.session.Send(composeRPCCommand(c.password, 0, payload)); err != nil {
			return err
		}

		resp, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}
		dict, err := PListUnmarshalDict(resp.Body)
		if err != nil {
			return err
		}
		status, hasStatus := dict["status"]
		out, hasOutputs := dict["outputs"]
		if !hasStatus || !hasOutputs {
			return ErrInvalidResponse
		}
		statusVal, _ := asUint64(status)
		if statusVal != 0 {
			return &RPCFailedError{Status: int64(statusVal)}
		}
		outputs, _ = out.(map[string]any)
		return nil
	})
	return outputs, err
}

// GetFeatures performs a GET_FEATURES exchange (spec section 4.8,
// "Features / Flash / Reboot").
func (c *Client) GetFeatures(ctx context.Context) ([]any, error) {
	var features []any
	err := c.session.Queue(ctx, func(ctx context.Context) error {
		if err := c.session.Send(composeFeatCommand(0)); err != nil {
			return err
		}
		resp, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}
		v, err := PListUnmarshal(resp.Body)
		if err != nil {
			return err
		}
		list, ok := v.([]any)
		if !ok {
			return ErrInvalidResponse
		}
		features = list
		return nil
	})
	return features, err
}

// GetLogs fetches the device's log property (spec section 4.8 names
// getLogs as an operation; on the wire it is a GET_PROPERTY of the log
// property).
func (c *Client) GetLogs(ctx context.Context) (string, error) {
	p, err := c.GetProperty(ctx, "dbug")
	if err != nil {
		return "", err
	}
	v, err := DecodeValue(KindLog, p.Raw)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Reboot sets the reboot property, matching spec section 4.8's literal
// definition: "Reboot is a setProperties([("acRB", 0)])".
func (c *Client) Reboot(ctx context.Context) error {
	name, err := PropertyName("acRB")
	if err != nil {
		return err
	}
	raw, err := EncodeValue(KindU32, uint32(0))
	if err != nil {
		return err
	}
	return c.SetProperties(ctx, []Property{{Name: name, Kind: KindU32, Raw: raw}})
}

// FlashPrimary sends firmware bytes as a FLASH_PRIMARY command body and
// returns the server's response bytes, whose meaning is opaque to this
// package (spec section 4.8, "Flash primary").
func (c *Client) FlashPrimary(ctx context.Context, firmware []byte) ([]byte, error) {
	var response []byte
	err := c.session.Queue(ctx, func(ctx context.Context) error {
		if err := c.session.Send(composeFlashPrimaryCommand(c.password, 0, firmware)); err != nil {
			return err
		}
		resp, err := c.session.ReceiveMessage(c.timeout)
		if err != nil {
			return err
		}
		response = resp.Body
		return nil
	})
	return response, err
}
