package main

import "testing"

func TestTmsRowOf(t *testing.T) {
	cases := []struct {
		z, xyzRow, wantTmsRow uint32
	}{
		{z: 1, xyzRow: 0, wantTmsRow: 1},
		{z: 1, xyzRow: 1, wantTmsRow: 0},
		{z: 3, xyzRow: 2, wantTmsRow: 5},
	}
	for _, c := range cases {
		if got := tmsRowOf(c.z, c.xyzRow); got != c.wantTmsRow {
			t.Errorf("tmsRowOf(%d, %d) = %d, want %d", c.z, c.xyzRow, got, c.wantTmsRow)
		}
	}
}
