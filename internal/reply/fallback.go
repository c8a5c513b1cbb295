package reply

import (
	"math/rand/v2"
	"slices"
	"strings"
	"unicode"
)

var cannedReplies = []string{
	"Hey there! 😘 Thanks for the message!",
	"You're so sweet! 💕",
	"Aww, thank you! 🥰",
	"You're amazing! 🔥",
	"Thanks babe! 😍",
	"You're so hot! 💋",
	"Hey gorgeous! 😏",
	"Thanks for reaching out! ✨",
	"You're perfect! ❤️",
	"So glad to hear from you! 💖",
}

var (
	greetingWords   = []string{"hi", "hello", "hey"}
	complimentWords = []string{"beautiful", "gorgeous", "sexy", "hot"}
	affectionWords  = []string{"love", "like"}
)

// FallbackReply answers by keyword: greetings, then compliments, then
// affection, else a random canned line. pick(n) returns an index in [0,n);
// nil means math/rand.
func FallbackReply(text string, pick func(n int) int) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	has := func(list []string) bool {
		return slices.ContainsFunc(words, func(w string) bool { return slices.Contains(list, w) })
	}
	switch {
	case has(greetingWords):
		return "Hey there! 😘 How are you doing?"
	case has(complimentWords):
		return "Aww, thank you so much! 🥰 You're so sweet!"
	case has(affectionWords):
		return "You're amazing! 💕 Thanks for the support!"
	}
	if pick == nil {
		pick = rand.IntN
	}
	return cannedReplies[pick(len(cannedReplies))]
}
