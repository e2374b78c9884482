package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/condsync/condsync/pkg/config"
	"github.com/condsync/condsync/pkg/store"
)

// runAdmin handles the operator subcommands. They open the database
// directly; the engine picks changes up at its next checkpoint or
// dispatch pass.
func runAdmin(args []string, cfg *config.Config) error {
	ctx := context.Background()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "enqueue":
		return adminEnqueue(ctx, st, args[1:])
	case "failed":
		return adminFailed(ctx, st)
	case "accounts":
		return adminAccounts(ctx, st)
	case "pause":
		return adminSetRun(ctx, st, args[1:], false)
	case "resume":
		return adminSetRun(ctx, st, args[1:], true)
	default:
		return fmt.Errorf("unknown command %q (want enqueue, failed, accounts, pause or resume)", args[0])
	}
}

// adminEnqueue queues an action: enqueue <type> <message-public-id> [destination]
func adminEnqueue(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: enqueue <archive|move|delete> <message-public-id> [destination]")
	}
	typ := store.ActionType(args[0])
	switch typ {
	case store.ActionArchive, store.ActionMove, store.ActionDelete:
	default:
		return fmt.Errorf("unknown action type %q", args[0])
	}

	uidRow, err := st.UIDForMessagePublicID(ctx, args[1])
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", args[1], err)
	}
	msg, err := st.MessageForUID(ctx, uidRow.FolderID, uidRow.MsgUID)
	if err != nil {
		return err
	}

	extra := ""
	if typ == store.ActionMove {
		if len(args) < 3 {
			return fmt.Errorf("move needs a destination folder")
		}
		extra = fmt.Sprintf(`{"destination":%s}`, strconv.Quote(args[2]))
	}

	entry, err := st.EnqueueAction(ctx, msg.NamespaceID, msg.PublicID, typ, extra)
	if err != nil {
		return err
	}
	fmt.Printf("queued action %d (%s, status %s, retries %d)\n",
		entry.ID, entry.Type, entry.Status, entry.Retries)
	return nil
}

// adminFailed lists terminally failed actions.
func adminFailed(ctx context.Context, st *store.Store) error {
	entries, err := st.FailedActions(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no failed actions")
		return nil
	}
	w := os.Stdout
	fmt.Fprintln(w, "ID\tTYPE\tOBJECT\tRETRIES\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			e.ID, e.Type, e.ObjectPublicID, e.Retries, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// adminAccounts lists accounts with their liveness state and run gates.
func adminAccounts(ctx context.Context, st *store.Store) error {
	accounts, err := st.SyncableAccounts(ctx)
	if err != nil {
		return err
	}
	fmt.Println("ID\tEMAIL\tPROVIDER\tSTATE\tRUN")
	for _, a := range accounts {
		fmt.Printf("%d\t%s\t%s\t%s\t%t\n", a.ID, a.Email, a.Provider, a.State, a.SyncShouldRun)
	}
	return nil
}

// adminSetRun opens or closes an account's run gate: pause|resume <email>.
// Running workers observe the change at their next checkpoint, never
// mid-commit.
func adminSetRun(ctx context.Context, st *store.Store, args []string, run bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pause|resume <email>")
	}
	acct, err := st.AccountByEmail(ctx, args[0])
	if err != nil {
		return err
	}
	if err := st.SetAccountSyncShouldRun(ctx, acct.ID, run); err != nil {
		return err
	}
	verb := "paused"
	if run {
		verb = "resumed"
	}
	fmt.Printf("account %d %s\n", acct.ID, verb)
	return nil
}
