package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Confidence grades for enrichment results.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Per-guest enrichment status.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Guest is one enriched guest candidate.
type Guest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Confidence  string `json:"confidence"`
	Status      string `json:"status"`
}

const guestSystemPrompt = `You identify podcast guests. Respond with only a JSON array of
full guest names, excluding the host. Return [] for compilation or solo
episodes with no guests.`

func guestPrompt(in Input) string {
	return fmt.Sprintf(
		"Channel: %s\nHost: %s\nEpisode title: %s\nDescription: %s\n\nList the guest names.",
		in.ChannelName, in.HostName, in.Title, truncate(in.Description, 2000))
}

// extractGuestsLLM asks the model for guest names and parses the JSON array
// out of its reply.
func (e *Enricher) extractGuestsLLM(ctx context.Context, in Input) ([]string, error) {
	reply, err := e.llm.Complete(ctx, guestSystemPrompt, guestPrompt(in), 512)
	if err != nil {
		return nil, err
	}
	names, err := parseNameArray(reply)
	if err != nil {
		return nil, err
	}
	return filterHost(names, in.HostName), nil
}

// parseNameArray pulls the first JSON array out of free-form model output.
func parseNameArray(reply string) ([]string, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in llm reply")
	}
	var names []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &names); err != nil {
		return nil, fmt.Errorf("parse guest names: %w", err)
	}
	out := names[:0]
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

const bioSystemPrompt = `You write one-sentence biographies of public figures. If you do not
recognize the person, reply exactly UNKNOWN.`

// describeGuest asks the model for a short biography of one candidate.
func (e *Enricher) describeGuest(ctx context.Context, name string, in Input) Guest {
	prompt := fmt.Sprintf("Who is %s, guest on the %s episode %q? One sentence.",
		name, in.ChannelName, in.Title)
	reply, err := e.llm.Complete(ctx, bioSystemPrompt, prompt, 256)
	if err != nil {
		return Guest{Name: name, Confidence: ConfidenceLow, Status: StatusFailure}
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "UNKNOWN") {
		return Guest{Name: name, Confidence: ConfidenceMedium, Status: StatusSuccess}
	}
	return Guest{
		Name:        name,
		Description: truncate(reply, 500),
		Confidence:  ConfidenceHigh,
		Status:      StatusSuccess,
	}
}

// Markers that flag an episode as having no individual guests.
var noGuestMarkers = []string{"compilation", "best of", "best moments", "highlights", "solo episode", "q&a", "mailbag"}

var guestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\binterview with ((?:[A-Z][\w.'-]+ ){1,3}[A-Z][\w.'-]+)`),
	regexp.MustCompile(`(?i)\bft\.? ((?:[A-Z][\w.'-]+ ){1,3}[A-Z][\w.'-]+)`),
	regexp.MustCompile(`(?i)\bfeat(?:uring)?\.? ((?:[A-Z][\w.'-]+ ){1,3}[A-Z][\w.'-]+)`),
	regexp.MustCompile(`(?i)\bwith ((?:[A-Z][\w.'-]+ ){1,3}[A-Z][\w.'-]+)`),
	regexp.MustCompile(`^((?:[A-Z][\w.'-]+ ){1,3}[A-Z][\w.'-]+) (?:on|talks|discusses|explains) `),
}

// fallbackGuests extracts candidate names from the title by pattern when the
// model is unavailable.
func fallbackGuests(in Input) []string {
	haystack := strings.ToLower(in.Title + " " + in.Description)
	for _, marker := range noGuestMarkers {
		if strings.Contains(haystack, marker) {
			return nil
		}
	}
	var names []string
	seen := map[string]bool{}
	for _, pattern := range guestPatterns {
		for _, match := range pattern.FindAllStringSubmatch(in.Title, -1) {
			name := strings.TrimSpace(match[1])
			key := strings.ToLower(name)
			if name != "" && !seen[key] {
				seen[key] = true
				names = append(names, name)
			}
		}
	}
	return filterHost(names, in.HostName)
}

func filterHost(names []string, host string) []string {
	if host == "" {
		return names
	}
	hostLower := strings.ToLower(host)
	out := names[:0]
	for _, name := range names {
		if strings.ToLower(name) == hostLower {
			continue
		}
		out = append(out, name)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
