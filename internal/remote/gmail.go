package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	netmail "net/mail"
	"strconv"
	gosync "sync"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/model"
)

// metadataHeaders are the headers requested on metadata-format fetches.
var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date"}

// Gmail adapts the Gmail REST API to the Service interface.
type Gmail struct {
	svc *gmail.Service

	// mu guards owner: GetProfile runs on the sync goroutine while
	// SendEmail runs on the host's mutation path.
	mu gosync.Mutex

	// owner is the authenticated address, cached on the first GetProfile
	// and used as the From header on outbound mail.
	owner string
}

// NewGmail builds a Gmail adapter from an OAuth2 token source.
func NewGmail(ctx context.Context, ts oauth2.TokenSource) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &Gmail{svc: svc}, nil
}

// NewGmailFromService wraps an already-constructed *gmail.Service.
func NewGmailFromService(svc *gmail.Service) *Gmail {
	return &Gmail{svc: svc}
}

var _ Service = (*Gmail)(nil)

// FetchThreads lists threads matching query and fetches each at metadata
// format.
func (g *Gmail) FetchThreads(ctx context.Context, query string, maxResults int64, pageToken string) (ThreadPage, error) {
	call := g.svc.Users.Threads.List("me").Q(query).MaxResults(maxResults)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return ThreadPage{}, classify("threads.list", err)
	}

	page := ThreadPage{NextPageToken: res.NextPageToken}
	for _, ref := range res.Threads {
		td, err := g.FetchThread(ctx, ref.Id, FormatMetadata)
		if err != nil {
			// A thread deleted between list and get is not an error.
			if IsNotFound(err) {
				continue
			}
			return ThreadPage{}, err
		}
		page.Threads = append(page.Threads, *td)
	}
	return page, nil
}

// FetchThread fetches a single thread with its messages.
func (g *Gmail) FetchThread(ctx context.Context, id string, format Format) (*ThreadData, error) {
	call := g.svc.Users.Threads.Get("me", id)
	if format == FormatFull {
		call = call.Format("full")
	} else {
		call = call.Format("metadata").MetadataHeaders(metadataHeaders...)
	}
	t, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classify("threads.get", err)
	}
	td := convertThread(t, format)
	return &td, nil
}

// GetHistory fetches the ordered change log since cursor, following
// pagination until exhausted.
func (g *Gmail) GetHistory(ctx context.Context, cursor string) (History, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return History{}, NewError(KindCursorExpired, "history.list", fmt.Errorf("malformed cursor %q: %w", cursor, err))
	}

	var out History
	pageToken := ""
	for {
		call := g.svc.Users.History.List("me").StartHistoryId(start)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			// Gmail returns 404 when the start history id has aged out.
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 404 {
				return History{}, NewError(KindCursorExpired, "history.list", err)
			}
			return History{}, classify("history.list", err)
		}

		for _, h := range res.History {
			for _, a := range h.MessagesAdded {
				out.Records = append(out.Records, HistoryRecord{
					Type:      MessageAdded,
					ThreadID:  a.Message.ThreadId,
					MessageID: a.Message.Id,
				})
			}
			for _, d := range h.MessagesDeleted {
				out.Records = append(out.Records, HistoryRecord{
					Type:      MessageDeleted,
					ThreadID:  d.Message.ThreadId,
					MessageID: d.Message.Id,
				})
			}
			for _, l := range h.LabelsAdded {
				out.Records = append(out.Records, HistoryRecord{
					Type:      LabelsAdded,
					ThreadID:  l.Message.ThreadId,
					MessageID: l.Message.Id,
					Labels:    l.LabelIds,
				})
			}
			for _, l := range h.LabelsRemoved {
				out.Records = append(out.Records, HistoryRecord{
					Type:      LabelsRemoved,
					ThreadID:  l.Message.ThreadId,
					MessageID: l.Message.Id,
					Labels:    l.LabelIds,
				})
			}
		}

		if res.HistoryId != 0 {
			out.NewCursor = strconv.FormatUint(res.HistoryId, 10)
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	if out.NewCursor == "" {
		out.NewCursor = cursor
	}
	return out, nil
}

// ModifyLabels adds and removes labels on a thread.
func (g *Gmail) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	req := &gmail.ModifyThreadRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	_, err := g.svc.Users.Threads.Modify("me", threadID, req).Context(ctx).Do()
	if err != nil {
		return classify("threads.modify", err)
	}
	return nil
}

// ArchiveThread removes the thread from the inbox.
func (g *Gmail) ArchiveThread(ctx context.Context, threadID string) error {
	return g.ModifyLabels(ctx, threadID, nil, []string{model.LabelInbox})
}

// MarkAsRead clears the thread's unread state.
func (g *Gmail) MarkAsRead(ctx context.Context, threadID string) error {
	return g.ModifyLabels(ctx, threadID, nil, []string{model.LabelUnread})
}

// SendEmail composes an RFC 5322 message and sends it.
func (g *Gmail) SendEmail(ctx context.Context, req model.SendRequest) (string, error) {
	raw, err := composeMessage(g.ownerAddress(), req)
	if err != nil {
		return "", fmt.Errorf("composing message: %w", err)
	}

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: req.ThreadID,
	}
	sent, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", classify("messages.send", err)
	}
	return sent.Id, nil
}

// GetProfile returns the account address and current history cursor.
func (g *Gmail) GetProfile(ctx context.Context) (Profile, error) {
	p, err := g.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return Profile{}, classify("getProfile", err)
	}
	g.mu.Lock()
	g.owner = p.EmailAddress
	g.mu.Unlock()
	return Profile{
		EmailAddress: p.EmailAddress,
		HistoryID:    strconv.FormatUint(p.HistoryId, 10),
	}, nil
}

func (g *Gmail) ownerAddress() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// classify maps a Gmail API failure to a structured error kind.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404, 410:
			return NewError(KindNotFound, op, err)
		default:
			return NewError(KindOther, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetworkUnavailable, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(KindNetworkUnavailable, op, err)
	}

	return NewError(KindOther, op, err)
}

// composeMessage renders a SendRequest as RFC 5322 bytes.
func composeMessage(from string, req model.SendRequest) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(req.Subject)
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: from}})
	}
	if len(req.To) > 0 {
		h.SetAddressList("To", toAddresses(req.To))
	}
	if len(req.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(req.Cc))
	}
	if len(req.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddresses(req.Bcc))
	}
	if req.InReplyTo != "" {
		h.Set("In-Reply-To", req.InReplyTo)
		h.Set("References", req.InReplyTo)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if req.BodyText != "" {
		var ph mail.InlineHeader
		ph.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, req.BodyText); err != nil {
			return nil, err
		}
		w.Close()
	}
	if req.BodyHTML != "" {
		var ph mail.InlineHeader
		ph.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, req.BodyHTML); err != nil {
			return nil, err
		}
		w.Close()
	}
	iw.Close()
	mw.Close()

	return buf.Bytes(), nil
}

func toAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// convertThread maps a Gmail API thread to the cache model.
func convertThread(t *gmail.Thread, format Format) ThreadData {
	td := ThreadData{
		Thread: model.Thread{
			ID:         t.Id,
			Snippet:    t.Snippet,
			Nudge:      model.NudgeNone,
			Population: model.PopulationMetadata,
			FetchedAt:  time.Now(),
		},
	}
	if format == FormatFull {
		td.Thread.Population = model.PopulationFull
	}

	labels := map[string]bool{}
	participants := map[string]bool{}
	for _, m := range t.Messages {
		msg := convertMessage(m)
		td.Messages = append(td.Messages, msg)
		td.Thread.MessageIDs = append(td.Thread.MessageIDs, msg.ID)

		for _, l := range msg.Labels {
			if !labels[l] {
				labels[l] = true
				td.Thread.Labels = append(td.Thread.Labels, l)
			}
		}
		if msg.From != "" && !participants[msg.From] {
			participants[msg.From] = true
			td.Thread.Participants = append(td.Thread.Participants, msg.From)
		}
		for _, to := range msg.To {
			if !participants[to] {
				participants[to] = true
				td.Thread.Participants = append(td.Thread.Participants, to)
			}
		}

		if td.Thread.Subject == "" {
			td.Thread.Subject = msg.Subject
		}
		if msg.Date.After(td.Thread.LastDate) {
			td.Thread.LastDate = msg.Date
			td.Thread.LastSender = msg.From
		}
		if msg.IsUnread {
			td.Thread.IsUnread = true
		}
		if msg.Snippet != "" {
			td.Thread.Snippet = msg.Snippet
		}
	}
	return td
}

// convertMessage maps a Gmail API message to the cache model.
func convertMessage(m *gmail.Message) model.Message {
	msg := model.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Labels:   m.LabelIds,
		Date:     time.UnixMilli(m.InternalDate),
	}
	for _, l := range m.LabelIds {
		if l == model.LabelUnread {
			msg.IsUnread = true
		}
	}
	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch h.Name {
		case "From":
			msg.From = parseAddress(h.Value)
		case "To":
			msg.To = parseAddressList(h.Value)
		case "Cc":
			msg.Cc = parseAddressList(h.Value)
		case "Subject":
			msg.Subject = h.Value
		}
	}

	collectParts(m.Payload, &msg)
	return msg
}

// collectParts walks a message part tree, extracting bodies and attachment
// metadata.
func collectParts(p *gmail.MessagePart, msg *model.Message) {
	if p == nil {
		return
	}
	if p.Filename != "" && p.Body != nil {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			ID:       p.Body.AttachmentId,
			Filename: p.Filename,
			MimeType: p.MimeType,
			Size:     p.Body.Size,
		})
	} else if p.Body != nil && p.Body.Data != "" {
		if data, err := decodeBody(p.Body.Data); err == nil {
			switch p.MimeType {
			case "text/html":
				msg.BodyHTML = string(data)
			case "text/plain":
				msg.BodyText = string(data)
			}
		}
	}
	for _, child := range p.Parts {
		collectParts(child, msg)
	}
}

// decodeBody decodes a body part. The API emits unpadded base64url but
// padded data has been observed, so both are accepted.
func decodeBody(data string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

// parseAddress extracts the bare address from an RFC 5322 header value.
func parseAddress(v string) string {
	addr, err := netmail.ParseAddress(v)
	if err != nil {
		return v
	}
	return addr.Address
}

// parseAddressList extracts bare addresses from an RFC 5322 list header.
func parseAddressList(v string) []string {
	addrs, err := netmail.ParseAddressList(v)
	if err != nil {
		if v == "" {
			return nil
		}
		return []string{v}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
