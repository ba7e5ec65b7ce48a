package enrich

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const maxTopics = 8

const topicSystemPrompt = `You tag podcast episodes. Respond with only a JSON array of 3 to 8
short topical tags, lowercase, no hashtags.`

func topicPrompt(in Input, guests []Guest) string {
	var names []string
	for _, g := range guests {
		names = append(names, g.Name)
	}
	return fmt.Sprintf(
		"Channel: %s\nHost: %s\nGuests: %s\nTitle: %s\nDescription: %s\n\nList the topics.",
		in.ChannelName, in.HostName, strings.Join(names, ", "),
		in.Title, truncate(in.Description, 2000))
}

// generateTopicsLLM asks the model for topical tags.
func (e *Enricher) generateTopicsLLM(ctx context.Context, in Input, guests []Guest) ([]string, error) {
	reply, err := e.llm.Complete(ctx, topicSystemPrompt, topicPrompt(in, guests), 256)
	if err != nil {
		return nil, err
	}
	topics, err := parseNameArray(reply)
	if err != nil {
		return nil, err
	}
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	for i, topic := range topics {
		topics[i] = strings.ToLower(strings.TrimSpace(topic))
	}
	return topics, nil
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]{3,}`)

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"what": true, "when": true, "where": true, "your": true, "about": true,
	"into": true, "their": true, "there": true, "they": true, "will": true,
	"would": true, "could": true, "should": true, "episode": true,
	"podcast": true, "show": true, "watch": true, "full": true,
	"subscribe": true, "channel": true, "video": true, "like": true,
	"more": true, "here": true, "http": true, "https": true, "youtube": true,
}

// fallbackTopics ranks the most frequent non-stopword terms from the title
// and description.
func fallbackTopics(in Input) []string {
	counts := map[string]int{}
	for _, source := range []string{in.Title, in.Title, in.Description} {
		for _, word := range wordPattern.FindAllString(strings.ToLower(source), -1) {
			if stopwords[word] {
				continue
			}
			counts[word]++
		}
	}
	type ranked struct {
		word  string
		count int
	}
	all := make([]ranked, 0, len(counts))
	for word, count := range counts {
		all = append(all, ranked{word, count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	limit := 5
	if len(all) < limit {
		limit = len(all)
	}
	topics := make([]string, 0, limit)
	for _, r := range all[:limit] {
		topics = append(topics, r.word)
	}
	return topics
}
