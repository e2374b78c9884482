// Package sync drives the per-folder synchronization loops: reconciling
// remote UID state against the local store, materializing new messages,
// and keeping account liveness up to date.
package sync

import (
	"sort"
	"strings"

	"github.com/condsync/condsync/pkg/imap"
)

// Classified is the outcome of diffing a fetch result against locally
// known UIDs.
type Classified struct {
	New      []imap.ChangedUID
	Changed  []imap.ChangedUID
	Expunged []uint32
}

// FlagString canonicalizes a flag list for storage and comparison: sorted,
// space-joined. Flag order on the wire is not significant.
func FlagString(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	sorted := make([]string, len(flags))
	copy(sorted, flags)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// Reconcile diffs a delta against the known (uid -> canonical flags) map.
// A UID missing remotely counts as expunged only on a full listing; a
// fast-path delta is a subset and can never prove absence. Reapplying the
// same delta classifies identically, so replay after a crash is safe.
func Reconcile(known map[uint32]string, delta *imap.Delta) Classified {
	var cls Classified
	for _, cu := range delta.Changed {
		stored, ok := known[cu.UID]
		if !ok {
			cls.New = append(cls.New, cu)
			continue
		}
		if FlagString(cu.Flags) != stored {
			cls.Changed = append(cls.Changed, cu)
		}
	}

	if delta.Full {
		remote := make(map[uint32]struct{}, len(delta.Remote))
		for _, uid := range delta.Remote {
			remote[uid] = struct{}{}
		}
		for uid := range known {
			if _, ok := remote[uid]; !ok {
				cls.Expunged = append(cls.Expunged, uid)
			}
		}
		sort.Slice(cls.Expunged, func(i, j int) bool { return cls.Expunged[i] < cls.Expunged[j] })
	}

	sort.Slice(cls.New, func(i, j int) bool { return cls.New[i].UID < cls.New[j].UID })
	sort.Slice(cls.Changed, func(i, j int) bool { return cls.Changed[i].UID < cls.Changed[j].UID })
	return cls
}
