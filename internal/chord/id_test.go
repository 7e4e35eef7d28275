package chord

import "testing"

func TestMaskWrapsIntoKeySpace(t *testing.T) {
	cases := map[int]ID{
		0:          0,
		MaxPeers:   0,
		MaxPeers + 5: 5,
		-1:         MaxPeers - 1,
		-MaxPeers:  0,
	}
	for in, want := range cases {
		if got := mask(in); got != want {
			t.Errorf("mask(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestHashGUIDIsDeterministicAndBounded(t *testing.T) {
	a := HashGUID("10.0.0.1:9000")
	b := HashGUID("10.0.0.1:9000")
	if a != b {
		t.Fatalf("HashGUID not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= MaxPeers {
		t.Fatalf("HashGUID(%d) out of range [0, %d)", a, MaxPeers)
	}

	c := HashGUID("10.0.0.2:9000")
	if a == c {
		t.Skip("GUID collision between distinct addresses (possible but unlikely)")
	}
}

func TestHashFileIDIsSensitiveToEveryField(t *testing.T) {
	base := HashFileID("report.pdf", 1024, 1000, 1000, "/home/alice/report.pdf")

	variants := []string{
		HashFileID("report2.pdf", 1024, 1000, 1000, "/home/alice/report.pdf"),
		HashFileID("report.pdf", 2048, 1000, 1000, "/home/alice/report.pdf"),
		HashFileID("report.pdf", 1024, 2000, 1000, "/home/alice/report.pdf"),
		HashFileID("report.pdf", 1024, 1000, 2000, "/home/alice/report.pdf"),
		HashFileID("report.pdf", 1024, 1000, 1000, "/home/bob/report.pdf"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d produced the same file id as base", i)
		}
	}

	if len(base) != 64 {
		t.Fatalf("expected 64 hex chars (sha3-256), got %d", len(base))
	}
}

func TestBetweenOpenInterval(t *testing.T) {
	cases := []struct {
		id, start, end ID
		want           bool
	}{
		{5, 1, 10, true},
		{1, 1, 10, false},
		{10, 1, 10, false},
		{0, 1, 10, false},
		{250, 240, 5, true},  // wraps around zero
		{2, 240, 5, true},    // wraps around zero
		{5, 240, 5, false},   // end excluded
		{240, 240, 5, false}, // start excluded
		{7, 7, 7, false},     // start == end excludes its own point
		{8, 7, 7, true},      // full ring minus the point itself
	}
	for _, c := range cases {
		if got := Between(c.id, c.start, c.end); got != c.want {
			t.Errorf("Between(%d, %d, %d) = %v, want %v", c.id, c.start, c.end, got, c.want)
		}
	}
}

func TestBetweenInclusiveEnd(t *testing.T) {
	if !BetweenInclusiveEnd(10, 1, 10) {
		t.Error("expected end to be included")
	}
	if BetweenInclusiveEnd(1, 1, 10) {
		t.Error("expected start to be excluded")
	}
}
