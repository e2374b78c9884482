package imap

import (
	"context"
	"errors"
	"fmt"

	goimap "github.com/emersion/go-imap/v2"
)

// ErrUIDGone reports that a UID named by an action no longer exists in
// the folder. Callers treat it as "already applied".
var ErrUIDGone = errors.New("imap: uid not present in folder")

// uidPresent re-checks that the UID still exists. Actions are replayed
// after ambiguous failures, so a vanished UID is the expected way to
// observe an earlier attempt that actually landed.
func (c *Client) uidPresent(uid uint32) (bool, error) {
	var set goimap.UIDSet
	set.AddNum(goimap.UID(uid))
	data, err := c.conn.UIDSearch(&goimap.SearchCriteria{
		UID: []goimap.UIDSet{set},
	}, nil).Wait()
	if err != nil {
		return false, fmt.Errorf("checking uid %d: %w", uid, err)
	}
	return len(data.AllUIDs()) > 0, nil
}

// MoveUID moves one message to dest, selecting folder first. A UID that
// is no longer present yields ErrUIDGone.
func (c *Client) MoveUID(ctx context.Context, folder string, uid uint32, dest string) error {
	if _, err := c.Select(folder); err != nil {
		return err
	}
	present, err := c.uidPresent(uid)
	if err != nil {
		return err
	}
	if !present {
		return ErrUIDGone
	}

	var set goimap.UIDSet
	set.AddNum(goimap.UID(uid))
	if _, err := c.conn.Move(set, dest).Wait(); err != nil {
		return fmt.Errorf("moving uid %d to %q: %w", uid, dest, err)
	}
	return nil
}

// DeleteUID flags one message deleted and expunges it. A UID that is no
// longer present yields ErrUIDGone.
func (c *Client) DeleteUID(ctx context.Context, folder string, uid uint32) error {
	if _, err := c.Select(folder); err != nil {
		return err
	}
	present, err := c.uidPresent(uid)
	if err != nil {
		return err
	}
	if !present {
		return ErrUIDGone
	}

	var set goimap.UIDSet
	set.AddNum(goimap.UID(uid))
	storeCmd := c.conn.Store(set, &goimap.StoreFlags{
		Op:     goimap.StoreFlagsAdd,
		Silent: true,
		Flags:  []goimap.Flag{goimap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging uid %d deleted: %w", uid, err)
	}
	if err := c.conn.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging uid %d: %w", uid, err)
	}
	return nil
}
