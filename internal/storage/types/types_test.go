package types

import (
	"bytes"
	"math"
	"sort"
	"testing"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		want    Range
		wantErr bool
	}{
		{"0_1", Range{0, 1}, false},
		{"-2_-1", Range{-2, -1}, false},
		{"42_83", Range{42, 83}, false},
		{"1_x", Range{}, true},
		{"1_", Range{}, true},
		{"_tmp_0_1", Range{}, true},
		{"5_1", Range{}, true},
		{"0_3599999_seg", Range{}, true},
		{"abc", Range{}, true},
	}

	for _, tt := range tests {
		got, err := ParseRange(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRange(%q): expected error", tt.name)
			} else if !serrors.IsPlacement(err) {
				t.Errorf("ParseRange(%q): expected placement error, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRange(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRange(%q): expected %v, got %v", tt.name, tt.want, got)
		}
		if got.String() != tt.name {
			t.Errorf("String: expected %q, got %q", tt.name, got.String())
		}
	}
}

func TestNameOverlaps(t *testing.T) {
	tests := []struct {
		min, max int64
		want     bool
	}{
		{0, 10, true},
		{0, 1, true},
		{2, 2, true},
		{0, 5, true},
		{3, 4, true},
		{0, 0, false},
		{4, 5, false},
	}
	for _, tt := range tests {
		if got := NameOverlaps("1_3", tt.min, tt.max); got != tt.want {
			t.Errorf("NameOverlaps(1_3, %d, %d): expected %v, got %v", tt.min, tt.max, tt.want, got)
		}
	}

	if NameOverlaps("1_x", 0, 10) || NameOverlaps("1_", 0, 10) {
		t.Error("malformed names must never overlap")
	}
}

func TestNameEnclosed(t *testing.T) {
	tests := []struct {
		min, max int64
		want     bool
	}{
		{0, 10, true},
		{0, 5, true},
		{0, 0, false},
		{0, 1, false},
		{2, 2, false},
		{3, 4, false},
		{4, 5, false},
	}
	for _, tt := range tests {
		if got := NameEnclosed("1_3", tt.min, tt.max); got != tt.want {
			t.Errorf("NameEnclosed(1_3, %d, %d): expected %v, got %v", tt.min, tt.max, tt.want, got)
		}
	}
	if NameEnclosed("1_x", 0, 10) {
		t.Error("malformed names must never be enclosed")
	}
}

func TestRangeLength(t *testing.T) {
	if n := (Range{0, 3599999}).Length(); n != 3600000 {
		t.Errorf("expected 3600000, got %d", n)
	}
	if n := (Range{math.MinInt64, math.MaxInt64}).Length(); n != math.MaxInt64 {
		t.Errorf("expected saturation, got %d", n)
	}
	if n := (Range{-5, -5}).Length(); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestNewRange(t *testing.T) {
	if _, err := NewRange(3, 1); !serrors.IsPlacement(err) {
		t.Errorf("expected placement error, got %v", err)
	}
	r, err := NewRange(1, 3)
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	if !r.Encloses(Range{2, 3}) || r.Encloses(Range{0, 3}) {
		t.Error("Encloses mismatch")
	}
	if r.Clamp(-10) != 1 || r.Clamp(10) != 3 || r.Clamp(2) != 2 {
		t.Error("Clamp mismatch")
	}
}

func TestKeyOverlaps(t *testing.T) {
	point := PointKey(5)
	if !point.Overlaps(5, 5) || !point.Overlaps(0, 10) || point.Overlaps(6, 10) {
		t.Error("point overlap mismatch")
	}

	rng := RangeKey(5, 10)
	if !rng.Overlaps(0, 5) || !rng.Overlaps(10, 20) || !rng.Overlaps(6, 7) || rng.Overlaps(11, 20) || rng.Overlaps(0, 4) {
		t.Error("range overlap mismatch")
	}

	id := IDKey("a")
	if !id.Overlaps(0, 0) || !id.Overlaps(math.MinInt64, math.MinInt64) {
		t.Error("untimed keys always overlap")
	}
}

func TestKeyOrdering(t *testing.T) {
	id := IDKey("x")
	g := id.GroupingNumber()

	keys := []Key{
		id,
		RangeKey(g, g),
		PointKeyWithID(g, "b"),
		PointKeyWithID(g, "a"),
		PointKey(g - 1),
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	want := []Key{
		PointKey(g - 1),
		PointKeyWithID(g, "a"),
		PointKeyWithID(g, "b"),
		RangeKey(g, g),
		id,
	}
	for i := range want {
		if !keys[i].Equal(want[i]) {
			t.Errorf("position %d: expected %v, got %v", i, want[i], keys[i])
		}
	}
}

func TestIDKeyGroupingNumber(t *testing.T) {
	a := IDKey("order-1")
	if a.GroupingNumber() < 0 {
		t.Errorf("expected non-negative grouping number, got %d", a.GroupingNumber())
	}
	if a.GroupingNumber() != IDKey("order-1").GroupingNumber() {
		t.Error("grouping number must be stable")
	}
}

func TestKeyValidate(t *testing.T) {
	bad := []Key{
		{Kind: KindPoint, Start: 1, End: 2},
		RangeKey(5, 1),
		IDKey(""),
		{Kind: 9},
	}
	for _, k := range bad {
		if err := k.Validate(); !serrors.IsPlacement(err) {
			t.Errorf("%v: expected invalid key error, got %v", k, err)
		}
	}
	if err := RangeKeyWithID(1, 5, "x").Validate(); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestEntityEncoding(t *testing.T) {
	e := Entity{Key: RangeKeyWithID(-100, 250, "evt"), Value: []byte("payload")}
	b := EncodeEntity(e)

	got, err := DecodeEntity(b)
	if err != nil {
		t.Fatalf("DecodeEntity: %v", err)
	}
	if !got.Key.Equal(e.Key) || !bytes.Equal(got.Value, e.Value) {
		t.Errorf("expected %v, got %v", e, got)
	}

	k, err := DecodeEntityKey(b)
	if err != nil {
		t.Fatalf("DecodeEntityKey: %v", err)
	}
	if !k.Equal(e.Key) {
		t.Errorf("expected key %v, got %v", e.Key, k)
	}
}

func TestEntityEncodingEmptyValue(t *testing.T) {
	got, err := DecodeEntity(EncodeEntity(Entity{Key: PointKey(1)}))
	if err != nil {
		t.Fatalf("DecodeEntity: %v", err)
	}
	if len(got.Value) != 0 {
		t.Errorf("expected empty value, got %q", got.Value)
	}
}

func TestEntityDecodeCorrupt(t *testing.T) {
	valid := EncodeEntity(Entity{Key: PointKey(7), Value: []byte("v")})

	cases := map[string][]byte{
		"empty":     {},
		"all ones":  bytes.Repeat([]byte{0xFF}, len(valid)),
		"truncated": valid[:len(valid)-1],
		"trailing":  append(append([]byte{}, valid...), 0x00),
		"bad kind":  EncodeEntity(Entity{Key: Key{Kind: 9}}),
	}
	for name, b := range cases {
		if _, err := DecodeEntity(b); !serrors.IsCorrupt(err) {
			t.Errorf("%s: expected corrupt error, got %v", name, err)
		}
	}
}
