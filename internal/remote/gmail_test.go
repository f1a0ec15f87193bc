package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/model"
)

// newStubGmail spins up a stub Gmail API server and an adapter pointed at it.
// sentRaw collects the raw payloads of messages.send requests.
func newStubGmail(t *testing.T) (*Gmail, *[]string) {
	t.Helper()

	var mu sync.Mutex
	var sentRaw []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/profile"):
			io.WriteString(w, `{"emailAddress":"owner@example.com","historyId":"100"}`)
		case strings.HasSuffix(r.URL.Path, "/messages/send"):
			var body struct {
				Raw string `json:"raw"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				mu.Lock()
				sentRaw = append(sentRaw, body.Raw)
				mu.Unlock()
			}
			io.WriteString(w, `{"id":"m1"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("creating stub gmail service: %v", err)
	}
	return NewGmailFromService(svc), &sentRaw
}

func TestSendEmailUsesProfileAddress(t *testing.T) {
	g, sentRaw := newStubGmail(t)
	ctx := context.Background()

	profile, err := g.GetProfile(ctx)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.EmailAddress != "owner@example.com" || profile.HistoryID != "100" {
		t.Fatalf("profile = %+v", profile)
	}

	id, err := g.SendEmail(ctx, model.SendRequest{
		To:       []string{"bob@example.com"},
		Subject:  "hello",
		BodyText: "hi there",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "m1" {
		t.Errorf("message id = %q, want m1", id)
	}

	if len(*sentRaw) != 1 {
		t.Fatalf("sent %d messages, want 1", len(*sentRaw))
	}
	raw, err := base64.URLEncoding.DecodeString((*sentRaw)[0])
	if err != nil {
		t.Fatalf("decoding raw payload: %v", err)
	}
	if !strings.Contains(string(raw), "owner@example.com") {
		t.Error("From header does not carry the profile address")
	}
	if !strings.Contains(string(raw), "bob@example.com") {
		t.Error("To header missing recipient")
	}
}

// The owner cache is written by the sync goroutine (GetProfile) and read by
// the host mutation path (SendEmail); both must be safe to call concurrently.
func TestOwnerCacheConcurrentAccess(t *testing.T) {
	g, _ := newStubGmail(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.GetProfile(ctx); err != nil {
				t.Errorf("get profile: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.SendEmail(ctx, model.SendRequest{
				To:      []string{"bob@example.com"},
				Subject: "ping",
			})
		}()
	}
	wg.Wait()
}
