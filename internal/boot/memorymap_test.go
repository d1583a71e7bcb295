package boot

import "testing"

func TestUsableBytesSumsOnlyUsableRegions(t *testing.T) {
	m := MemoryMap{Regions: []Region{
		{Base: 0, Size: 0x1000, Kind: RegionReserved},
		{Base: 0x1000, Size: 0x2000, Kind: RegionUsable},
		{Base: 0x3000, Size: 0x1000, Kind: RegionUsable},
	}}
	if got, want := m.UsableBytes(), uint64(0x3000); got != want {
		t.Fatalf("UsableBytes = %#x, want %#x", got, want)
	}
}

func TestContains(t *testing.T) {
	m := MemoryMap{Regions: []Region{{Base: 0x1000, Size: 0x1000, Kind: RegionUsable}}}
	if !m.Contains(0x1000) {
		t.Fatalf("Contains(start) = false")
	}
	if m.Contains(0x2000) {
		t.Fatalf("Contains(end, exclusive) = true")
	}
	if m.Contains(0) {
		t.Fatalf("Contains(outside) = true")
	}
}
