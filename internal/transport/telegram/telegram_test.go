package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "outreach/internal/transport"
	logx "outreach/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	failN int // fail only the first failN calls when > 0
	calls int
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil && (f.failN == 0 || f.calls <= f.failN) {
		return nil, f.fail
	}
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: 100 + f.calls}, nil
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard split", strings.Repeat("a", 25), 10, 3},
		{"newline preferred", "aaaaaa\nbbbbbbbbb", 10, 2},
	}
	for _, tt := range tests {
		got := SplitText(tt.in, tt.limit)
		if len(got) != tt.want {
			t.Fatalf("%s: got %d chunks (%q), want %d", tt.name, len(got), got, tt.want)
		}
		for _, c := range got {
			if len([]rune(c)) > tt.limit {
				t.Fatalf("%s: chunk %q exceeds limit", tt.name, c)
			}
		}
	}
	if got := SplitText("aaaaaa\nbbbbbbbbb", 10); got[0] != "aaaaaa" {
		t.Fatalf("first chunk = %q", got[0])
	}
}

func TestSendTextChunksAndReturnsFirstRef(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	a := newAdapter(Config{Token: "x"}, logx.Nop(), fs)
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42, ThreadID: 7}, strings.Repeat("x", TextLimit+5), nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if fs.calls != 2 {
		t.Fatalf("calls = %d, want 2", fs.calls)
	}
	if ref.ChatID != 42 || ref.ThreadID != 7 || ref.MessageID != 101 {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestSendTextPropagatesError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	a := newAdapter(Config{Token: "x"}, logx.Nop(), &fakeSender{fail: boom})
	if _, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliverForwardsWhileRunning(t *testing.T) {
	t.Parallel()

	a := newAdapter(Config{Token: "x"}, logx.Nop(), &fakeSender{})
	out := make(chan kit.Update, 1)

	a.deliver(&kit.Message{Text: "before start"})
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.deliver(&kit.Message{Text: "one"})
	a.deliver(&kit.Message{Text: "dropped"})

	select {
	case up := <-out:
		if up.Message.Text != "one" {
			t.Fatalf("got %q", up.Message.Text)
		}
	default:
		t.Fatal("expected an update")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	a.deliver(&kit.Message{Text: "after stop"})
	if len(out) != 0 {
		t.Fatal("no delivery expected after stop")
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendTextWaitsOutShortFlood(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{fail: tele.FloodError{RetryAfter: 0}, failN: 1}
	a := newAdapter(Config{Token: "x"}, logx.Nop(), fs)
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 5}, "hi", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if fs.calls != 2 || ref.MessageID != 102 {
		t.Fatalf("calls = %d, ref = %+v", fs.calls, ref)
	}
}

func TestSendTextGivesUpOnLongFlood(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{fail: tele.FloodError{RetryAfter: 600}}
	a := newAdapter(Config{Token: "x"}, logx.Nop(), fs)
	_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 5}, "hi", nil)
	var flood tele.FloodError
	if !errors.As(err, &flood) || flood.RetryAfter != 600 {
		t.Fatal("expected the flood error back")
	}
	if fs.calls != 1 {
		t.Fatalf("calls = %d, want 1", fs.calls)
	}
}
