package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedPage returns its values in order and repeats the last one.
type scriptedPage struct {
	mu     sync.Mutex
	values map[string][]string
	errs   map[string]error
	reads  map[string]int
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{values: map[string][]string{}, errs: map[string]error{}, reads: map[string]int{}}
}

func (p *scriptedPage) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[selector]; err != nil {
		p.reads[selector]++
		return "", err
	}
	seq := p.values[selector]
	i := p.reads[selector]
	p.reads[selector]++
	if len(seq) == 0 {
		return "", ErrElementNotFound
	}
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i], nil
}

func testExtractor(timeout time.Duration) *Extractor {
	return NewExtractor(Options{
		Timeout:   timeout,
		Interval:  time.Millisecond,
		Selectors: map[string]string{"estimate": "._g_m", "buy": "._g_k"},
	}, zerolog.Nop())
}

func TestFieldReturnsOnceValueRepeats(t *testing.T) {
	page := newScriptedPage()
	page.values["._g_m"] = []string{"0", "1,200", "2,345,000", "2,345,000", "9"}

	reading := testExtractor(time.Second).Field(context.Background(), page, "estimate")
	if !reading.Stable || reading.Text != "2,345,000" {
		t.Fatalf("expected stable 2,345,000, got %+v", reading)
	}
	if page.reads["._g_m"] != 4 {
		t.Fatalf("expected 4 reads, got %d", page.reads["._g_m"])
	}
}

func TestFieldNeverAcceptsZero(t *testing.T) {
	page := newScriptedPage()
	page.values["._g_m"] = []string{"0"}

	reading := testExtractor(20*time.Millisecond).Field(context.Background(), page, "estimate")
	if reading.Stable {
		t.Fatal("a repeated \"0\" must not count as stable")
	}
	if reading.Text != "0" {
		t.Fatalf("timeout should return the last text, got %q", reading.Text)
	}
}

func TestFieldTimeoutReturnsLastText(t *testing.T) {
	page := newScriptedPage()
	seq := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			seq = append(seq, "1,000")
		} else {
			seq = append(seq, "1,001")
		}
	}
	page.values["._g_m"] = seq

	reading := testExtractor(10*time.Millisecond).Field(context.Background(), page, "estimate")
	if reading.Stable || !reading.Available() {
		t.Fatalf("expected best-effort unstable reading, got %+v", reading)
	}
	if reading.Text != "1,000" && reading.Text != "1,001" {
		t.Fatalf("unexpected last text %q", reading.Text)
	}
}

func TestFieldMissingElementIsUnavailable(t *testing.T) {
	page := newScriptedPage()

	reading := testExtractor(time.Second).Field(context.Background(), page, "estimate")
	if reading.Available() {
		t.Fatalf("missing element should be unavailable, got %+v", reading)
	}
	if page.reads["._g_m"] != 1 {
		t.Fatalf("missing element must not be retried, got %d reads", page.reads["._g_m"])
	}
}

func TestFieldPageErrorIsUnavailable(t *testing.T) {
	page := newScriptedPage()
	page.errs["._g_m"] = errors.New("websocket closed")

	if reading := testExtractor(time.Second).Field(context.Background(), page, "estimate"); reading.Available() {
		t.Fatalf("page error should be unavailable, got %+v", reading)
	}
}

func TestFieldUnknownSelector(t *testing.T) {
	if reading := testExtractor(time.Second).Field(context.Background(), newScriptedPage(), "sell"); reading.Available() {
		t.Fatal("field without selector should be unavailable")
	}
}

func TestSampleCollapsesOnAnyFailure(t *testing.T) {
	page := newScriptedPage()
	page.values["._g_m"] = []string{"2,345,000"}

	ex := testExtractor(time.Second)
	values, err := ex.Sample(context.Background(), page, "estimate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values["estimate"] != 2345000 {
		t.Fatalf("unexpected estimate %d", values["estimate"])
	}

	if _, err := ex.Sample(context.Background(), page, "estimate", "buy"); !errors.Is(err, ErrNoValidPrice) {
		t.Fatalf("missing buy should fail the sample, got %v", err)
	}

	page.values["._g_k"] = []string{"--", "--"}
	if _, err := ex.Sample(context.Background(), page, "estimate", "buy"); !errors.Is(err, ErrNoValidPrice) {
		t.Fatalf("non-numeric buy should fail the sample, got %v", err)
	}
}

func TestFieldStopsOnCancel(t *testing.T) {
	page := newScriptedPage()
	page.values["._g_m"] = []string{"1", "2", "3", "4", "5", "6"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := NewExtractor(Options{Timeout: time.Hour, Interval: time.Hour, Selectors: map[string]string{"estimate": "._g_m"}}, zerolog.Nop())

	done := make(chan Reading, 1)
	go func() { done <- ex.Field(ctx, page, "estimate") }()
	select {
	case r := <-done:
		if r.Stable || r.Available() {
			t.Fatalf("cancelled read must be unavailable, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Field ignored context cancellation")
	}
}

func TestSampleFailsOnCancel(t *testing.T) {
	page := newScriptedPage()
	page.values["._g_m"] = []string{"1", "2", "3", "4", "5", "6"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := NewExtractor(Options{Timeout: time.Hour, Interval: time.Hour, Selectors: map[string]string{"estimate": "._g_m"}}, zerolog.Nop())

	values, err := ex.Sample(ctx, page, "estimate")
	if !errors.Is(err, ErrNoValidPrice) || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled sample must fail, got values=%v err=%v", values, err)
	}
}

func TestCleanNumber(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"2,345,000", 2345000, true},
		{"۲٬۳۴۵٬۰۰۰ تومان", 2345000, true},
		{"٣٤٥", 345, true},
		{"0", 0, true},
		{"", 0, false},
		{"N/A", 0, false},
		{"99999999999999999999999", 0, false},
	}
	for _, tc := range cases {
		got, ok := CleanNumber(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("CleanNumber(%q) = %d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
