package chunkplan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanCoversExactlyNoGapNoOverlap(t *testing.T) {
	const total = int64(12 * mib)
	ranges := Plan(total, TierNone, nil)

	var covered int64
	for i, r := range ranges {
		require.Equal(t, covered, r.Offset, "range %d must start where previous ended", i)
		covered += r.Length
	}
	require.Equal(t, total, covered)

	chunkSize := ChunkSize(total, TierNone)
	wantCount := (total + chunkSize - 1) / chunkSize
	require.Len(t, ranges, int(wantCount))
}

func TestPlanIsPure(t *testing.T) {
	a := Plan(17*mib+123, TierVIP, nil)
	b := Plan(17*mib+123, TierVIP, nil)
	require.Equal(t, a, b)
}

func TestPlanHonorsDoneSet(t *testing.T) {
	total := int64(3 * mib)
	ranges := Plan(total, TierNone, nil)
	require.NotEmpty(t, ranges)

	done := map[int64]bool{ranges[0].Offset: true}
	withDone := Plan(total, TierNone, done)
	require.True(t, withDone[0].Done)
	pending := Pending(withDone)
	require.Len(t, pending, len(ranges)-1)
}

func TestChunkSizeTableAndCaps(t *testing.T) {
	cases := []struct {
		name string
		size int64
		tier VIPTier
		want int64
	}{
		{"tiny", 1 * mib, TierNone, chunkTiny},
		{"small", 8 * mib, TierNone, chunkSmall},
		{"mid lower band", 12 * mib, TierNone, chunkMid1},
		{"mid second band", 150 * mib, TierNone, chunkMid2},
		{"mid third band", 300 * mib, TierNone, chunkMid3},
		{"mid non-svip capped", 450 * mib, TierNone, NonSVIPCap},
		{"mid svip uncapped top band", 450 * mib, TierSVIP, chunkMid4},
		{"huge svip capped absolute", 1024 * mib, TierSVIP, SVIPCap},
		{"huge non-svip capped", 1024 * mib, TierVIP, NonSVIPCap},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, ChunkSize(c.size, c.tier))
		})
	}
}

// TestPlanMatchesWorkedExample pins the literal worked example: a 12 MiB
// file plans into exactly 12 ranges of 1 MiB each.
func TestPlanMatchesWorkedExample(t *testing.T) {
	const total = int64(12 * 1024 * 1024)
	ranges := Plan(total, TierNone, nil)
	require.Len(t, ranges, 12)
	for i, r := range ranges {
		require.Equal(t, int64(1*mib), r.Length, "range %d", i)
	}
}

func TestPlanLastRangeShorterWhenNotMultiple(t *testing.T) {
	total := int64(2*mib + 17)
	ranges := Plan(total, TierNone, nil)
	last := ranges[len(ranges)-1]
	require.Less(t, last.Length, ChunkSize(total, TierNone))
}

func TestPlanEmptyForNonPositiveSize(t *testing.T) {
	require.Nil(t, Plan(0, TierNone, nil))
	require.Nil(t, Plan(-1, TierNone, nil))
}
