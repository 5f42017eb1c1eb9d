package server_test

import (
	"context"
	"testing"

	"github.com/nyxcore/acpd/internal/acp"
)

func TestSetPropertyCatalogedNameRoundTrips(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, nil)
	defer stop()

	client := dialAuthenticatedClient(t, addr)

	// "dbug" is cataloged as KindU32 (spec section 8's own test vector).
	// A property element carries no type tag on the wire (spec section
	// 4.4's element header is name/flags/size only), so the value is
	// simply stored and echoed back as raw bytes.
	name, err := acp.PropertyName("dbug")
	if err != nil {
		t.Fatalf("PropertyName: %v", err)
	}
	raw, err := acp.EncodeValue(acp.KindU32, uint32(7))
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}

	err = client.SetProperties(context.Background(), []acp.Property{{Name: name, Raw: raw}})
	if err != nil {
		t.Fatalf("SetProperties: %v", err)
	}

	got, err := client.GetProperty(context.Background(), "dbug")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	v, err := acp.DecodeValue(acp.KindU32, got.Raw)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.(uint32) != 7 {
		t.Fatalf("GetProperty(dbug) = %v, want 7", v)
	}
}

func TestSetPropertyAcceptsUnknownNameRegardlessOfKind(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, nil)
	defer stop()

	client := dialAuthenticatedClient(t, addr)

	name, err := acp.PropertyName("zzzz")
	if err != nil {
		t.Fatalf("PropertyName: %v", err)
	}
	raw, err := acp.EncodeValue(acp.KindStr, "anything")
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}

	err = client.SetProperties(context.Background(), []acp.Property{{Name: name, Kind: acp.KindStr, Raw: raw}})
	if err != nil {
		t.Fatalf("SetProperties for an uncataloged name: %v", err)
	}

	got, err := client.GetProperty(context.Background(), "zzzz")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	v, err := acp.DecodeValue(acp.KindStr, got.Raw)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.(string) != "anything" {
		t.Fatalf("GetProperty(zzzz) = %q, want %q", v, "anything")
	}
}
