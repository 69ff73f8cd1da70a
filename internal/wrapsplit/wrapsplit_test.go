package wrapsplit

import "testing"

func TestSplitNoWrap(t *testing.T) {
	off1, len1, off2, len2 := Split(2, 0, 4, 16)
	if off1 != 2 || len1 != 4 || len2 != 0 {
		t.Fatalf("got (%d,%d,%d,%d)", off1, len1, off2, len2)
	}
}

func TestSplitWrap(t *testing.T) {
	// readStart=12, off=0, length=8, allocLength=16 -> physical [12,16) then [0,4)
	off1, len1, off2, len2 := Split(12, 0, 8, 16)
	if off1 != 12 || len1 != 4 || off2 != 0 || len2 != 4 {
		t.Fatalf("got (%d,%d,%d,%d)", off1, len1, off2, len2)
	}
}

func TestSplitZeroLength(t *testing.T) {
	off1, len1, off2, len2 := Split(5, 0, 0, 16)
	if off1 != 0 || len1 != 0 || off2 != 0 || len2 != 0 {
		t.Fatalf("expected all-zero for length 0, got (%d,%d,%d,%d)", off1, len1, off2, len2)
	}
}

func TestSplitExactlyFitsToEnd(t *testing.T) {
	off1, len1, off2, len2 := Split(8, 0, 8, 16)
	if off1 != 8 || len1 != 8 || len2 != 0 {
		t.Fatalf("got (%d,%d,%d,%d)", off1, len1, off2, len2)
	}
	_ = off2
}

func TestSplitReadStartZero(t *testing.T) {
	// readStart=0: never wraps for off+length <= allocLength.
	off1, len1, off2, len2 := Split(0, 0, 16, 16)
	if off1 != 0 || len1 != 16 || len2 != 0 {
		t.Fatalf("got (%d,%d,%d,%d)", off1, len1, off2, len2)
	}
}
