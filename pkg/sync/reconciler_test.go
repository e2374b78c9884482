package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/condsync/condsync/pkg/imap"
)

func TestReconcileClassifiesNewAndChanged(t *testing.T) {
	known := map[uint32]string{
		10: "\\Seen",
		11: "",
	}
	delta := &imap.Delta{
		HighestModSeq: 51,
		Changed: []imap.ChangedUID{
			{UID: 42, Flags: []string{"\\Recent"}, ModSeq: 51},
			{UID: 10, Flags: []string{"\\Flagged", "\\Seen"}, ModSeq: 50},
			{UID: 11, Flags: nil, ModSeq: 49},
		},
	}

	cls := Reconcile(known, delta)
	require.Len(t, cls.New, 1)
	require.EqualValues(t, 42, cls.New[0].UID)
	require.Len(t, cls.Changed, 1)
	require.EqualValues(t, 10, cls.Changed[0].UID)
	// A fast-path delta can never prove an expunge.
	require.Empty(t, cls.Expunged)
}

func TestReconcileFullListingDetectsExpunge(t *testing.T) {
	known := map[uint32]string{17: "\\Seen", 18: ""}
	delta := &imap.Delta{
		Full:   true,
		Remote: []uint32{18},
		Changed: []imap.ChangedUID{
			{UID: 18, Flags: nil},
		},
	}

	cls := Reconcile(known, delta)
	require.Empty(t, cls.New)
	require.Empty(t, cls.Changed)
	require.Equal(t, []uint32{17}, cls.Expunged)
}

func TestReconcileReplayIsStable(t *testing.T) {
	known := map[uint32]string{5: "\\Seen"}
	delta := &imap.Delta{
		Changed: []imap.ChangedUID{
			{UID: 5, Flags: []string{"\\Seen"}},
			{UID: 6, Flags: []string{"\\Answered"}},
		},
	}

	first := Reconcile(known, delta)
	second := Reconcile(known, delta)
	require.Equal(t, first, second)
	// 5 is unchanged: same canonical flags.
	require.Empty(t, first.Changed)
	require.Len(t, first.New, 1)
}

func TestFlagStringCanonicalizes(t *testing.T) {
	require.Equal(t, "", FlagString(nil))
	require.Equal(t, "\\Answered \\Seen", FlagString([]string{"\\Seen", "\\Answered"}))
	require.Equal(t,
		FlagString([]string{"\\Seen", "\\Flagged"}),
		FlagString([]string{"\\Flagged", "\\Seen"}))
}
