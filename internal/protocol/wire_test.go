package protocol

import (
	"testing"

	"github.com/nocturne-chord/peer/internal/chord"
)

func TestEncodeDecodeOwnerRef(t *testing.T) {
	p := chord.PeerRef{Address: "10.0.0.5:9001", GUID: 173}
	encoded := encodeOwnerRef(p)

	got, err := decodeOwnerRef(encoded)
	if err != nil {
		t.Fatalf("decodeOwnerRef: %v", err)
	}
	if got != p {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecodeOwnerRefRejectsMalformed(t *testing.T) {
	if _, err := decodeOwnerRef("no-colon-here"); err == nil {
		t.Fatal("expected error for missing colon")
	}
	if _, err := decodeOwnerRef("host:port:notanumber"); err == nil {
		t.Fatal("expected error for non-numeric guid")
	}
}

func TestEncodeDecodeBackupBody(t *testing.T) {
	owner := chord.PeerRef{Address: "192.168.1.10:5000", GUID: 42}
	body := encodeBackupBody("deadbeef", 1234, owner, 99, 3)

	got, err := decodeBackupBody(body)
	if err != nil {
		t.Fatalf("decodeBackupBody: %v", err)
	}
	if got.FileID != "deadbeef" || got.Size != 1234 || got.Owner != owner || got.Key != 99 || got.ReplicationDegree != 3 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestDecodeBackupBodyRejectsWrongFieldCount(t *testing.T) {
	if _, err := decodeBackupBody("a::b::c"); err == nil {
		t.Fatal("expected error for too few fields")
	}
}

func TestEncodeDecodeRemovedBody(t *testing.T) {
	body := encodeRemovedBody("abc123", 17)

	fileID, key, err := decodeRemovedBody(body)
	if err != nil {
		t.Fatalf("decodeRemovedBody: %v", err)
	}
	if fileID != "abc123" || key != 17 {
		t.Fatalf("roundtrip mismatch: fileID=%q key=%d", fileID, key)
	}
}

func TestDecodeRemovedBodyRejectsMissingSeparator(t *testing.T) {
	if _, _, err := decodeRemovedBody("nocolonatall"); err == nil {
		t.Fatal("expected error for missing separator")
	}
}
