package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

// ErrModSeqRegression is returned when the server reports a HIGHESTMODSEQ
// lower than the one we already committed. The cursor never regresses;
// callers treat this as a protocol anomaly and run a full resync.
var ErrModSeqRegression = errors.New("imap: server highestmodseq lower than cached")

// ChangedUID is one (uid, flags, modseq) tuple from a fetch.
type ChangedUID struct {
	UID    uint32
	Flags  []string
	ModSeq uint64
}

// Delta is the result of a change fetch against a folder. When Full is set,
// Remote holds the complete remote UID list and absence from it means the
// UID was expunged; a fast-path delta can never prove an expunge.
type Delta struct {
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	Changed       []ChangedUID
	Full          bool
	Remote        []uint32
}

// MessageData is the materialized content of one fetched UID.
type MessageData struct {
	UID          uint32
	Flags        []string
	ModSeq       uint64
	Subject      string
	MessageIDHdr string
	Date         time.Time
	IsDraft      bool
	DecodeError  bool
	TextBody     []byte
}

// Fetcher runs CONDSTORE delta fetches and full listings over a Client.
type Fetcher struct {
	cli *Client
	log *zerolog.Logger
}

// NewFetcher wraps a connected client.
func NewFetcher(cli *Client, log *zerolog.Logger) *Fetcher {
	return &Fetcher{cli: cli, log: log}
}

// SupportsCondStore reports whether the fast path is available.
func (f *Fetcher) SupportsCondStore() bool {
	return f.cli.SupportsCondStore()
}

// Close releases the underlying connection.
func (f *Fetcher) Close() error {
	return f.cli.Close()
}

// FetchChanges is the fast path: it returns the UIDs whose mod-sequence is
// strictly greater than sinceModSeq, plus the server's current folder
// state. An empty Changed slice with an unchanged HighestModSeq means
// nothing happened.
func (f *Fetcher) FetchChanges(ctx context.Context, folder string, sinceModSeq uint64) (*Delta, error) {
	sel, err := f.cli.Select(folder)
	if err != nil {
		return nil, err
	}

	delta := &Delta{
		UIDValidity:   sel.UIDValidity,
		UIDNext:       uint32(sel.UIDNext),
		HighestModSeq: sel.HighestModSeq,
	}
	if sel.HighestModSeq == sinceModSeq {
		return delta, nil
	}
	if sel.HighestModSeq < sinceModSeq && sinceModSeq > 0 {
		f.log.Warn().
			Uint64("server_modseq", sel.HighestModSeq).
			Uint64("cached_modseq", sinceModSeq).
			Str("folder", folder).
			Msg("server reported lower highestmodseq than cached")
		return nil, ErrModSeqRegression
	}

	var uidSet goimap.UIDSet
	uidSet.AddRange(1, 0)
	opts := &goimap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: sinceModSeq,
	}
	changed, err := f.collectFlags(uidSet, opts)
	if err != nil {
		return nil, fmt.Errorf("fetching changes in %q since modseq %d: %w", folder, sinceModSeq, err)
	}
	delta.Changed = changed
	return delta, nil
}

// FetchFull is the slow path: it re-lists the whole folder to surface
// silently expunged messages that a CONDSTORE delta cannot. Also the only
// path on servers without CONDSTORE.
func (f *Fetcher) FetchFull(ctx context.Context, folder string) (*Delta, error) {
	sel, err := f.cli.Select(folder)
	if err != nil {
		return nil, err
	}

	delta := &Delta{
		UIDValidity:   sel.UIDValidity,
		UIDNext:       uint32(sel.UIDNext),
		HighestModSeq: sel.HighestModSeq,
		Full:          true,
	}

	searchData, err := f.cli.conn.UIDSearch(&goimap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", folder, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return delta, nil
	}

	delta.Remote = make([]uint32, 0, len(uids))
	for _, uid := range uids {
		delta.Remote = append(delta.Remote, uint32(uid))
	}
	sort.Slice(delta.Remote, func(i, j int) bool { return delta.Remote[i] < delta.Remote[j] })

	opts := &goimap.FetchOptions{UID: true, Flags: true, ModSeq: f.cli.SupportsCondStore()}
	changed, err := f.collectFlags(goimap.UIDSetNum(uids...), opts)
	if err != nil {
		return nil, fmt.Errorf("fetching flags in %q: %w", folder, err)
	}
	delta.Changed = changed
	return delta, nil
}

// FetchRange lists UIDs and flags within [lo, hi], oldest first. Backfill
// paginates with this so an interrupted run resumes without re-scanning
// completed windows. hi == 0 means "to the end".
func (f *Fetcher) FetchRange(ctx context.Context, folder string, lo, hi uint32) ([]ChangedUID, error) {
	if _, err := f.cli.Select(folder); err != nil {
		return nil, err
	}

	var uidSet goimap.UIDSet
	uidSet.AddRange(goimap.UID(lo), goimap.UID(hi))
	opts := &goimap.FetchOptions{UID: true, Flags: true}
	changed, err := f.collectFlags(uidSet, opts)
	if err != nil {
		return nil, fmt.Errorf("fetching range %d:%d in %q: %w", lo, hi, folder, err)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].UID < changed[j].UID })
	return changed, nil
}

// FetchMessages downloads envelope and body for the given UIDs. A body
// that fails MIME decoding is recorded with DecodeError set rather than
// failing the batch; the sync continues and the flag is queryable later.
func (f *Fetcher) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]MessageData, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if f.cli.selected != folder {
		if _, err := f.cli.Select(folder); err != nil {
			return nil, err
		}
	}

	ids := make([]goimap.UID, len(uids))
	for i, u := range uids {
		ids[i] = goimap.UID(u)
	}
	bodySection := &goimap.FetchItemBodySection{Peek: true}
	opts := &goimap.FetchOptions{
		UID:         true,
		Flags:       true,
		Envelope:    true,
		ModSeq:      f.cli.SupportsCondStore(),
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	}

	fetchCmd := f.cli.conn.Fetch(goimap.UIDSetNum(ids...), opts)
	defer fetchCmd.Close()

	var out []MessageData
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		md := MessageData{
			UID:    uint32(buf.UID),
			ModSeq: buf.ModSeq,
			Date:   time.Now().UTC(),
		}
		for _, flag := range buf.Flags {
			md.Flags = append(md.Flags, string(flag))
			if flag == goimap.FlagDraft {
				md.IsDraft = true
			}
		}
		if buf.Envelope != nil {
			md.Subject = buf.Envelope.Subject
			md.MessageIDHdr = buf.Envelope.MessageID
			if !buf.Envelope.Date.IsZero() {
				md.Date = buf.Envelope.Date.UTC()
			}
		}

		if raw := buf.FindBodySection(bodySection); raw != nil {
			body, decodeErr := extractTextBody(raw)
			md.TextBody = body
			md.DecodeError = decodeErr
		}

		out = append(out, md)
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching %d messages in %q: %w", len(uids), folder, err)
	}
	return out, nil
}

// collectFlags drains a flags-only fetch into ChangedUID tuples.
func (f *Fetcher) collectFlags(set goimap.UIDSet, opts *goimap.FetchOptions) ([]ChangedUID, error) {
	fetchCmd := f.cli.conn.Fetch(set, opts)
	defer fetchCmd.Close()

	var out []ChangedUID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		cu := ChangedUID{UID: uint32(buf.UID), ModSeq: buf.ModSeq}
		for _, flag := range buf.Flags {
			cu.Flags = append(cu.Flags, string(flag))
		}
		out = append(out, cu)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// extractTextBody parses a raw RFC 2822 body and returns its text/plain
// part. Returns decodeErr=true when the MIME structure cannot be parsed;
// the raw bytes are kept so nothing is lost.
func extractTextBody(raw []byte) (body []byte, decodeErr bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return raw, true
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return raw, true
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return raw, true
		}
		return b, false
	}
	return raw, false
}
