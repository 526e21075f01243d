// Package chunkplan implements the chunk-size policy table and the pure
// partition function that turns a file size into a sequence of byte
// ranges. It is deliberately free of I/O and state so tests can pin the
// policy and callers can re-plan deterministically across restarts.
package chunkplan

const (
	kib = 1024
	mib = 1024 * kib

	sizeTinyThreshold  = 5 * mib
	sizeSmallThreshold = 10 * mib
	sizeMidThreshold1  = 100 * mib
	sizeMidThreshold2  = 250 * mib
	sizeMidThreshold3  = 400 * mib
	sizeLargeThreshold = 500 * mib

	chunkTiny  = 256 * kib
	chunkSmall = 512 * kib
	chunkMid1  = 1 * mib
	chunkMid2  = 2 * mib
	chunkMid3  = 3 * mib
	chunkMid4  = 4 * mib
	chunkLarge = 5 * mib

	// NonSVIPCap is the hard ceiling for accounts without SVIP privilege;
	// SVIPCap is the absolute upstream ceiling regardless of tier.
	NonSVIPCap = 4 * mib
	SVIPCap    = 5 * mib
)

// VIPTier selects the chunk-size cap applied on top of the size-keyed table.
type VIPTier int

const (
	TierNone VIPTier = iota
	TierVIP
	TierSVIP
)

// ChunkRange is the planner's pure output: an offset/length pair and whether
// it is already recorded done in the persisted completion set.
type ChunkRange struct {
	Offset int64
	Length int64
	Done   bool
}

// ChunkSize returns the chunk size the policy table selects for a file of
// totalSize bytes at the given VIP tier, already capped. Between the small
// and large thresholds the table steps from 1 MiB up to 4 MiB as totalSize
// grows, rather than a single flat size, so a file just past the small
// threshold isn't planned with the same chunk size as one just under the
// large one.
func ChunkSize(totalSize int64, tier VIPTier) int64 {
	return chunkSize(totalSize, tier, 0)
}

// chunkSize is ChunkSize's implementation, additionally accepting a
// configured override (bytes; <= 0 means "use the table"). The override
// still passes through the VIP-tier cap, since upstream refuses oversized
// Range requests regardless of what the user configured.
func chunkSize(totalSize int64, tier VIPTier, overrideBytes int64) int64 {
	size := overrideBytes
	if size <= 0 {
		switch {
		case totalSize < sizeTinyThreshold:
			size = chunkTiny
		case totalSize < sizeSmallThreshold:
			size = chunkSmall
		case totalSize < sizeMidThreshold1:
			size = chunkMid1
		case totalSize < sizeMidThreshold2:
			size = chunkMid2
		case totalSize < sizeMidThreshold3:
			size = chunkMid3
		case totalSize < sizeLargeThreshold:
			size = chunkMid4
		default:
			size = chunkLarge
		}
	}

	cap := int64(SVIPCap)
	if tier != TierSVIP {
		cap = NonSVIPCap
	}
	if size > cap {
		size = cap
	}
	return size
}

// Plan partitions [0, totalSize) into the canonical, deterministic sequence
// of ChunkRanges for the given tier: ceil(S/c) ranges covering [0,S)
// exactly, with no gap and no overlap. done reports, by offset, which ranges the
// persisted completion set already marks complete; entries not present in
// done are left pending.
func Plan(totalSize int64, tier VIPTier, done map[int64]bool) []ChunkRange {
	return PlanWithBase(totalSize, tier, 0, done)
}

// PlanWithBase is Plan, additionally accepting a configured base chunk size
// (bytes) that overrides the size table when positive -- the `chunk_size_mb`
// config knob wires in here.
func PlanWithBase(totalSize int64, tier VIPTier, overrideBytes int64, done map[int64]bool) []ChunkRange {
	if totalSize <= 0 {
		return nil
	}
	size := chunkSize(totalSize, tier, overrideBytes)
	n := (totalSize + size - 1) / size
	ranges := make([]ChunkRange, 0, n)
	for offset := int64(0); offset < totalSize; offset += size {
		length := size
		if remaining := totalSize - offset; remaining < length {
			length = remaining
		}
		ranges = append(ranges, ChunkRange{
			Offset: offset,
			Length: length,
			Done:   done[offset],
		})
	}
	return ranges
}

// Pending filters ranges down to the ones not yet marked done, in the same
// deterministic order Plan produced them.
func Pending(ranges []ChunkRange) []ChunkRange {
	pending := make([]ChunkRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.Done {
			pending = append(pending, r)
		}
	}
	return pending
}
