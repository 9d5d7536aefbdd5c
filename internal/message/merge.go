package message

import "sort"

// Merge folds an incoming batch into an existing canonical sequence.
// existing is assumed deduplicated and sorted by timestamp; the result keeps
// both invariants. The second return value is exactly the subset of incoming
// that was genuinely new, in batch order, for downstream notification.
//
// When nothing in the batch is new, Merge returns existing itself (same
// slice header), so callers can use identity to skip re-render signaling.
// Merge is idempotent and, for batches with disjoint identities, commutative:
// live delivery interleaving with archive pages cannot corrupt the sequence.
func Merge(existing, incoming []Message, key KeyFunc) (merged, fresh []Message) {
	fresh = dedup(existing, incoming, key)
	if len(fresh) == 0 {
		return existing, nil
	}
	merged = make([]Message, 0, len(existing)+len(fresh))
	merged = append(merged, existing...)
	merged = append(merged, fresh...)
	// Stable: equal timestamps preserve relative insertion order.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, fresh
}

// MergeOlder folds a batch known to be strictly older than every existing
// entry — the backward-pagination case. Only the new batch is sorted; the
// existing sequence is never re-sorted, which keeps scrollback linear in the
// page size instead of the full history length.
func MergeOlder(existing, older []Message, key KeyFunc) (merged, fresh []Message) {
	fresh = dedup(existing, older, key)
	if len(fresh) == 0 {
		return existing, nil
	}
	merged = make([]Message, 0, len(existing)+len(fresh))
	merged = append(merged, fresh...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	merged = append(merged, existing...)
	return merged, fresh
}

// Trim keeps only the n most recent entries, always discarding from the
// oldest end. n <= 0 yields nil; n >= len returns msgs itself (same slice
// header, no copy).
func Trim(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// dedup returns the members of incoming whose identity keys collide neither
// with existing nor with an earlier member of the batch. A key overlapping
// any existing entry means duplicate-wins: the existing entry is kept and
// the incoming one dropped, even if their other keys differ.
func dedup(existing, incoming []Message, key KeyFunc) []Message {
	if key == nil {
		key = Keys
	}
	seen := make(map[string]struct{}, 2*len(existing))
	for _, m := range existing {
		for _, k := range key(m) {
			seen[k] = struct{}{}
		}
	}

	var fresh []Message
	for _, m := range incoming {
		dup := false
		for _, k := range key(m) {
			if _, ok := seen[k]; ok {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for _, k := range key(m) {
			seen[k] = struct{}{}
		}
		fresh = append(fresh, m)
	}
	return fresh
}
