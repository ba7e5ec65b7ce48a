package enrich

import (
	"context"
	"errors"
	"testing"
)

type fakeLLM struct {
	replies map[string]string // keyed by system prompt
	err     error
	calls   int
}

func (f *fakeLLM) Complete(_ context.Context, system, _ string, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.replies[system], nil
}

func TestParseNameArray(t *testing.T) {
	names, err := parseNameArray("Here you go:\n[\"Jane Doe\", \"John Smith\", \"\"]\nThanks!")
	if err != nil {
		t.Fatalf("parseNameArray: %v", err)
	}
	if len(names) != 2 || names[0] != "Jane Doe" || names[1] != "John Smith" {
		t.Fatalf("names = %v", names)
	}
	if _, err := parseNameArray("no array here"); err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestFallbackGuests(t *testing.T) {
	cases := []struct {
		name  string
		in    Input
		want  []string
		empty bool
	}{
		{
			name: "interview pattern",
			in:   Input{Title: "Deep interview with Jane Doe", HostName: "Sam Host"},
			want: []string{"Jane Doe"},
		},
		{
			name: "ft pattern",
			in:   Input{Title: "Episode 12 ft. John Smith"},
			want: []string{"John Smith"},
		},
		{
			name:  "host excluded",
			in:    Input{Title: "A chat with Sam Host", HostName: "Sam Host"},
			empty: true,
		},
		{
			name:  "compilation episodes yield nothing",
			in:    Input{Title: "Best of 2024 compilation with Famous People"},
			empty: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fallbackGuests(tc.in)
			if tc.empty {
				if len(got) != 0 {
					t.Fatalf("expected no guests, got %v", got)
				}
				return
			}
			if len(got) != len(tc.want) {
				t.Fatalf("guests = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("guests = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestFallbackTopics(t *testing.T) {
	in := Input{
		Title:       "Artificial intelligence and startups",
		Description: "We discuss artificial intelligence, startups, and venture capital.",
	}
	topics := fallbackTopics(in)
	if len(topics) == 0 {
		t.Fatal("expected topics")
	}
	for _, topic := range topics {
		if stopwords[topic] {
			t.Fatalf("stopword leaked: %q", topic)
		}
	}
	if topics[0] != "artificial" && topics[0] != "intelligence" && topics[0] != "startups" {
		t.Fatalf("unexpected top topic %q in %v", topics[0], topics)
	}
}

func TestEnrichWithLLM(t *testing.T) {
	llm := &fakeLLM{replies: map[string]string{
		guestSystemPrompt: `["Jane Doe"]`,
		bioSystemPrompt:   "Jane Doe is a cryptographer.",
		topicSystemPrompt: `["cryptography", "privacy"]`,
	}}
	e := New(llm, nil, nil)

	result, err := e.Enrich(context.Background(), Input{
		Title: "Security talk with Jane Doe", HostName: "Sam", ChannelName: "SecCast",
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(result.Guests) != 1 || result.Guests[0].Name != "Jane Doe" {
		t.Fatalf("guests = %+v", result.Guests)
	}
	if result.Guests[0].Confidence != ConfidenceHigh || result.Guests[0].Status != StatusSuccess {
		t.Fatalf("guest grading = %+v", result.Guests[0])
	}
	if len(result.Topics) != 2 || result.Topics[0] != "cryptography" {
		t.Fatalf("topics = %v", result.Topics)
	}
	if result.GuestProvenance["method"] != MethodLLM {
		t.Fatalf("guest provenance = %v", result.GuestProvenance)
	}
	if result.GuestProvenance["count"] != 1 {
		t.Fatalf("guest count = %v", result.GuestProvenance["count"])
	}
}

func TestEnrichDegradesToFallbackOnLLMError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("rate limited")}
	e := New(llm, nil, nil)

	result, err := e.Enrich(context.Background(), Input{
		Title: "Episode ft. John Smith", Description: "machine learning deep dive",
	})
	if err != nil {
		t.Fatalf("Enrich must not fail: %v", err)
	}
	if result.GuestProvenance["method"] != MethodFallback {
		t.Fatalf("expected fallback provenance, got %v", result.GuestProvenance)
	}
	if len(result.Guests) != 1 || result.Guests[0].Name != "John Smith" {
		t.Fatalf("guests = %+v", result.Guests)
	}
	if result.Guests[0].Confidence != ConfidenceLow {
		t.Fatalf("fallback guests must be low confidence: %+v", result.Guests[0])
	}
	if len(result.Topics) == 0 {
		t.Fatal("expected fallback topics")
	}
}

func TestEnrichWithoutLLM(t *testing.T) {
	e := New(nil, nil, nil)
	result, err := e.Enrich(context.Background(), Input{Title: "Solo episode ramblings"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(result.Guests) != 0 {
		t.Fatalf("solo episode must yield no guests: %+v", result.Guests)
	}
	if result.TopicProvenance["method"] != MethodFallback {
		t.Fatalf("topic provenance = %v", result.TopicProvenance)
	}
}

func TestGuestAccessorsAlign(t *testing.T) {
	r := &Result{Guests: []Guest{
		{Name: "A", Description: "bio A"},
		{Name: "B"},
	}}
	names, descs := r.GuestNames(), r.GuestDescriptions()
	if len(names) != 2 || len(descs) != 2 {
		t.Fatal("accessor lengths differ")
	}
	if names[1] != "B" || descs[1] != "" {
		t.Fatalf("alignment broken: %v %v", names, descs)
	}
}
