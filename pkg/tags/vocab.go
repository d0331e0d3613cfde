// Package tags provides the system tag vocabulary: ten canonical domains with
// bilingual trigger tokens, matched deterministically. Whole-string lookup
// uses an exact-token map and substring scanning a single Aho-Corasick
// automaton; the matcher feeds tag autofill scoring, so its behavior must stay stable.
package tags

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
)

// SystemTagPrefix prefixes every system tag id.
const SystemTagPrefix = "system.tag."

// SystemKeys are the ten canonical domains, in canonical order.
var SystemKeys = []string{
	"work", "personal", "family", "health", "finance",
	"study", "travel", "social", "home", "hobby",
}

// SystemTagID returns the stable id for a system key.
func SystemTagID(key string) string {
	return SystemTagPrefix + key
}

// IsSystemTagID reports whether id names a system tag, returning its key.
func IsSystemTagID(id string) (string, bool) {
	if strings.HasPrefix(id, SystemTagPrefix) {
		return id[len(SystemTagPrefix):], true
	}
	return "", false
}

// vocabulary maps each system key to its trigger tokens (English + Chinese).
var vocabulary = map[string][]string{
	"work": {
		"work", "job", "office", "career", "project", "meeting", "deadline",
		"工作", "项目", "会议", "周报", "汇报", "加班", "同事", "上班",
	},
	"personal": {
		"personal", "life", "个人", "生活", "私事",
	},
	"family": {
		"family", "家庭", "家人", "父母", "孩子", "育儿",
	},
	"health": {
		"health", "fitness", "medical", "doctor", "workout",
		"健康", "运动", "睡眠", "就医", "体检", "锻炼",
	},
	"finance": {
		"finance", "money", "budget", "investment", "tax",
		"财务", "理财", "记账", "投资", "报税",
	},
	"study": {
		"study", "course", "exam", "research", "learning",
		"学习", "课程", "考试", "研究", "读书",
	},
	"travel": {
		"travel", "trip", "vacation", "flight", "hotel",
		"旅行", "旅游", "机票", "酒店", "度假",
	},
	"social": {
		"social", "friend", "network", "party",
		"社交", "朋友", "聚会", "聚餐",
	},
	"home": {
		"home", "household", "chores", "repair",
		"家务", "家居", "维修", "装修",
	},
	"hobby": {
		"hobby", "entertainment", "game", "movie",
		"娱乐", "兴趣", "爱好", "游戏", "电影",
	},
}

// Matcher resolves free text to system tag keys.
type Matcher struct {
	ac           *ahocorasick.Automaton
	patternToKey []string
	exact        map[string]string
}

var defaultMatcher = mustNewMatcher()

func mustNewMatcher() *Matcher {
	m, err := NewMatcher()
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatcher compiles the vocabulary into a matcher.
func NewMatcher() (*Matcher, error) {
	m := &Matcher{exact: make(map[string]string)}
	var patterns []string
	for _, key := range SystemKeys {
		for _, token := range vocabulary[key] {
			norm := Normalize(token)
			if norm == "" {
				continue
			}
			m.exact[norm] = key
			patterns = append(patterns, norm)
			m.patternToKey = append(m.patternToKey, key)
		}
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	m.ac = ac
	return m, nil
}

// Normalize lowercases and collapses whitespace, the shared canonical form
// for both pattern compilation and input scanning.
func Normalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if unicode.IsSpace(c) {
			if !lastWasSpace {
				out.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		out.WriteRune(c)
		lastWasSpace = false
	}
	return strings.TrimRight(out.String(), " ")
}

// MapToSystemKey resolves text to a system key. exact reports whether the
// whole normalized string equals a trigger token (vs a substring hit).
// Returns ("", false, false) when nothing matches.
func MapToSystemKey(text string) (key string, exact bool, ok bool) {
	return defaultMatcher.MapToSystemKey(text)
}

// MapToSystemKey on a specific matcher instance.
func (m *Matcher) MapToSystemKey(text string) (string, bool, bool) {
	norm := Normalize(text)
	if norm == "" {
		return "", false, false
	}
	if key, found := m.exact[norm]; found {
		return key, true, true
	}
	matches := m.ac.FindAllOverlapping([]byte(norm))
	if len(matches) == 0 {
		return "", false, false
	}
	// Deterministic choice: longest match, then earliest, then pattern order.
	best := matches[0]
	for _, cand := range matches[1:] {
		bl, cl := best.End-best.Start, cand.End-cand.Start
		if cl > bl || (cl == bl && cand.Start < best.Start) {
			best = cand
		}
	}
	return m.patternToKey[best.PatternID], false, true
}

// SystemKeyForToken reports whether a single normalized token spells a system
// key itself (e.g. the literal word "work").
func SystemKeyForToken(token string) (string, bool) {
	norm := Normalize(token)
	for _, key := range SystemKeys {
		if norm == key {
			return key, true
		}
	}
	return "", false
}
