package woq

import (
	"errors"
	"testing"
)

func TestBlockMFor(t *testing.T) {
	t.Parallel()
	cases := map[int]int{1: 1, 4: 4, 48: 48, 49: 32, 63: 32, 64: 48, 95: 48, 96: 64, 1000: 64}
	for m, want := range cases {
		if got := blockMFor(m); got != want {
			t.Errorf("blockMFor(%d) = %d, want %d", m, got, want)
		}
	}
}

func TestResolveKSplits(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cases := []struct {
		name                          string
		req, m, blockM, kc, units, wk int
		want                          int
		err                           error
	}{
		{"large m", 4, 32, 32, 8, 1, 8, 1, nil},
		{"remainder", 2, 50, 32, 8, 1, 8, 1, nil},
		{"forced", 4, 4, 4, 8, 1, 8, 4, nil},
		{"forced not dividing", 3, 4, 4, 8, 1, 8, 0, ErrKSplit},
		{"auto enough units", 0, 4, 4, 8, 16, 8, 1, nil},
		{"auto capped", 0, 1, 1, 16, 1, 64, 4, nil},
		{"auto divisor", 0, 1, 1, 6, 1, 4, 3, nil},
		{"auto prime kc", 0, 1, 1, 7, 1, 8, 1, nil},
		{"negative", -1, 4, 4, 8, 1, 8, 0, ErrKSplit},
	}
	for _, tc := range cases {
		got, err := resolveKSplits(cfg, tc.req, tc.m, tc.blockM, tc.kc, tc.units, tc.wk)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("%s: err = %v, want %v", tc.name, err, tc.err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%s: got %d, %v; want %d", tc.name, got, err, tc.want)
		}
	}
}

func TestPlanUnitOrders(t *testing.T) {
	t.Parallel()
	for _, order := range []LoopOrder{LoopNM, LoopMN} {
		pl := plan{mTiles: 3, nc: 4, order: order}
		seen := map[[2]int]bool{}
		for u := range pl.mTiles * pl.nc {
			mt, nc := pl.unit(u)
			if mt < 0 || mt >= pl.mTiles || nc < 0 || nc >= pl.nc {
				t.Fatalf("%s: unit %d -> (%d,%d)", order, u, mt, nc)
			}
			seen[[2]int{mt, nc}] = true
		}
		if len(seen) != pl.mTiles*pl.nc {
			t.Fatalf("%s: %d distinct units", order, len(seen))
		}
	}
	nm := plan{mTiles: 3, nc: 4, order: LoopNM}
	if _, nc := nm.unit(1); nc != 0 {
		t.Fatalf("nm order should keep N block for consecutive units, got nc=%d", nc)
	}
}

func TestPlanTilePrefetchOnFullTilesOnly(t *testing.T) {
	t.Parallel()
	pl := plan{m: 70, blockM: 48, mTiles: 2, prefetch: true}
	if !pl.tile(0, 0, 0, 1).prefetch {
		t.Fatal("full tile should prefetch")
	}
	last := pl.tile(1, 0, 0, 1)
	if last.rows != 22 || last.prefetch {
		t.Fatalf("remainder tile rows=%d prefetch=%v", last.rows, last.prefetch)
	}
}
